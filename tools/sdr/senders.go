package sdr

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
)

// Sender is one outbound identity. A sender may only use the channels it
// has an address for.
type Sender struct {
	Name     string `yaml:"name" json:"name"`
	Email    string `yaml:"email,omitempty" json:"email,omitempty"`
	Phone    string `yaml:"phone,omitempty" json:"phone,omitempty"`
	LinkedIn string `yaml:"linkedin,omitempty" json:"linkedin,omitempty"`
}

func (s Sender) address(channel string) string {
	switch channel {
	case leads.ChannelSMS:
		return s.Phone
	case leads.ChannelLinkedIn:
		return s.LinkedIn
	default:
		return s.Email
	}
}

// SenderDirectory maps logical sender keys ("sdr", "ae", ...) to identities.
type SenderDirectory struct {
	Default string            `yaml:"default"`
	Senders map[string]Sender `yaml:"senders"`
}

func DefaultSenderDirectory() SenderDirectory {
	return SenderDirectory{
		Default: "sdr",
		Senders: map[string]Sender{
			"sdr": {
				Name:     "SmartCRM Sales Team",
				Email:    "sdr@smartcrm.example",
				Phone:    "+15555550100",
				LinkedIn: "https://www.linkedin.com/company/smartcrm",
			},
			"ae": {
				Name:  "SmartCRM Account Executive",
				Email: "ae@smartcrm.example",
				Phone: "+15555550101",
			},
			"support": {
				Name:  "SmartCRM Customer Success",
				Email: "success@smartcrm.example",
			},
		},
	}
}

// LoadSenderDirectory overlays the YAML file at path on the defaults. An empty
// path returns the defaults.
func LoadSenderDirectory(path string) (SenderDirectory, error) {
	dir := DefaultSenderDirectory()
	if strings.TrimSpace(path) == "" {
		return dir, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SenderDirectory{}, fmt.Errorf("read sender file: %w", err)
	}
	var file SenderDirectory
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return SenderDirectory{}, fmt.Errorf("parse sender file %s: %w", path, err)
	}
	for key, sender := range file.Senders {
		dir.Senders[strings.ToLower(strings.TrimSpace(key))] = sender
	}
	if file.Default != "" {
		dir.Default = strings.ToLower(strings.TrimSpace(file.Default))
	}
	if _, ok := dir.Senders[dir.Default]; !ok {
		return SenderDirectory{}, fmt.Errorf("sender file %s: default sender %q is not defined", path, dir.Default)
	}
	return dir, nil
}

// Resolve picks the identity for key on channel and returns it with the
// from-address to use.
func (d SenderDirectory) Resolve(key, channel string) (Sender, string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		key = d.Default
	}
	sender, ok := d.Senders[key]
	if !ok {
		return Sender{}, "", fmt.Errorf("unknown sender %q (known: %s)", key, strings.Join(d.Keys(), ", "))
	}
	from := sender.address(channel)
	if from == "" {
		return Sender{}, "", fmt.Errorf("sender %q has no %s address", key, channel)
	}
	return sender, from, nil
}

func (d SenderDirectory) Keys() []string {
	keys := make([]string, 0, len(d.Senders))
	for k := range d.Senders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
