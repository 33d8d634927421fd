package protocol

import (
	"fmt"
	"log/slog"
	"os"

	"chatwire/internal/domain"

	"gopkg.in/yaml.v3"
)

// profileFile is the YAML shape of a server dialect override.
//
//	name: staging
//	prompts:
//	  "Username: ": login
//	  "Password: ": password
//	commands:
//	  join: /join
//	speech_format: "~~~%k %u~$`%n~$`%t~~~"
type profileFile struct {
	Name         string            `yaml:"name"`
	Prompts      map[string]string `yaml:"prompts"`
	Commands     Commands          `yaml:"commands"`
	SpeechFormat string            `yaml:"speech_format"`
}

var promptKinds = map[string]domain.PromptKind{
	string(domain.PromptLogin):     domain.PromptLogin,
	string(domain.PromptPassword):  domain.PromptPassword,
	string(domain.PromptChannel):   domain.PromptChannel,
	string(domain.PromptNickname):  domain.PromptNickname,
	string(domain.PromptText):      domain.PromptText,
	string(domain.PromptRecipient): domain.PromptRecipient,
	string(domain.PromptFormat):    domain.PromptFormat,
	string(domain.PromptWidth):     domain.PromptWidth,
}

// LoadProfile reads a YAML dialect file and applies it on top of the stock
// wire. An empty path returns DefaultWire. A profile that lists prompts
// replaces the whole prompt table; command strings override one by one.
func LoadProfile(path string, logger *slog.Logger) (*Wire, error) {
	w := DefaultWire()
	if path == "" {
		return w, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol profile: %w", err)
	}
	return parseProfile(data, w, path, logger)
}

func parseProfile(data []byte, base *Wire, path string, logger *slog.Logger) (*Wire, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse protocol profile %s: %w", path, err)
	}

	w := base.clone()
	if len(pf.Prompts) > 0 {
		w.Prompts = make(map[string]domain.PromptKind, len(pf.Prompts))
		for text, name := range pf.Prompts {
			kind, ok := promptKinds[name]
			if !ok {
				return nil, fmt.Errorf("protocol profile %s: unknown prompt kind %q for %q", path, name, text)
			}
			if text == "" {
				return nil, fmt.Errorf("protocol profile %s: empty prompt text for %s", path, name)
			}
			w.Prompts[text] = kind
		}
	}

	overrideString(&w.Commands.Join, pf.Commands.Join)
	overrideString(&w.Commands.Nickname, pf.Commands.Nickname)
	overrideString(&w.Commands.Topic, pf.Commands.Topic)
	overrideString(&w.Commands.Speak, pf.Commands.Speak)
	overrideString(&w.Commands.Private, pf.Commands.Private)
	overrideString(&w.Commands.Who, pf.Commands.Who)
	overrideString(&w.Commands.SpeechFormat, pf.Commands.SpeechFormat)
	overrideString(&w.Commands.Width, pf.Commands.Width)
	overrideString(&w.Commands.Quit, pf.Commands.Quit)
	overrideString(&w.SpeechFormat, pf.SpeechFormat)

	name := pf.Name
	if name == "" {
		name = path
	}
	logger.Info("loaded protocol profile", "name", name, "prompts", len(w.Prompts))
	return w, nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
