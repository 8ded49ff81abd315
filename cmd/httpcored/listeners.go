package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"pkt.systems/httpcore"
)

// listenersFile is the YAML document accepted by --listeners. Each entry maps
// onto one httpcore.ListenSpec.
type listenersFile struct {
	Listeners []listenerEntry `yaml:"listeners"`
}

type listenerEntry struct {
	Name                      string     `yaml:"name"`
	Network                   string     `yaml:"network"`
	Addr                      string     `yaml:"addr"`
	FD                        int        `yaml:"fd"`
	Protocol                  string     `yaml:"protocol"`
	StrictTLS                 *bool      `yaml:"strict_tls"`
	AllowInsecureOnSecurePort bool       `yaml:"allow_insecure"`
	TLS                       []tlsEntry `yaml:"tls"`
}

type tlsEntry struct {
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	ClientCAFile string   `yaml:"client_ca_file"`
	ClientAuth   string   `yaml:"client_auth"`
	ServerNames  []string `yaml:"server_names"`
	Default      bool     `yaml:"default"`
}

func loadListenersFile(path string) ([]httpcore.ListenSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read listeners file %q: %w", path, err)
	}
	var doc listenersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse listeners file %q: %w", path, err)
	}
	if len(doc.Listeners) == 0 {
		return nil, fmt.Errorf("listeners file %q declares no listeners", path)
	}
	specs := make([]httpcore.ListenSpec, 0, len(doc.Listeners))
	for i, entry := range doc.Listeners {
		spec := httpcore.ListenSpec{
			Name:                      entry.Name,
			Network:                   entry.Network,
			Addr:                      entry.Addr,
			FD:                        entry.FD,
			Protocol:                  httpcore.Protocol(entry.Protocol),
			StrictTLS:                 true,
			AllowInsecureOnSecurePort: entry.AllowInsecureOnSecurePort,
		}
		if entry.StrictTLS != nil {
			spec.StrictTLS = *entry.StrictTLS
		}
		for _, tlsEnt := range entry.TLS {
			auth, err := parseClientAuth(tlsEnt.ClientAuth)
			if err != nil {
				return nil, fmt.Errorf("listener %d: %w", i, err)
			}
			spec.TLS = append(spec.TLS, httpcore.TLSConfig{
				CertFile:     tlsEnt.CertFile,
				KeyFile:      tlsEnt.KeyFile,
				ClientCAFile: tlsEnt.ClientCAFile,
				ClientAuth:   auth,
				ServerNames:  tlsEnt.ServerNames,
				Default:      tlsEnt.Default,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
