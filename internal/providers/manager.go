package providers

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"toolbridge/internal/config"
	"toolbridge/internal/mcp"
)

var ErrProviderNotFound = errors.New("provider not found")

// Manager holds the provider instances built from config.
type Manager struct {
	providers map[string]Provider // name -> instance
	order     []string
	log       *logrus.Entry
}

func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{providers: map[string]Provider{}, log: log.WithField("component", "providers")}
}

// Load initializes one provider per entry via the factory registry.
func (m *Manager) Load(entries []config.ProviderEntry) error {
	for _, e := range entries {
		name := e.EntryName()
		if _, exists := m.providers[name]; exists {
			return fmt.Errorf("duplicate provider name: %s", name)
		}
		f := Lookup(e.Provider)
		if f == nil {
			return fmt.Errorf("unknown provider: %s", e.Provider)
		}
		opts := e.Options
		if opts == nil {
			opts = map[string]any{}
		}
		p, err := f(opts)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		m.providers[name] = p
		m.order = append(m.order, name)
		m.log.WithFields(logrus.Fields{"name": name, "provider": e.Provider}).Debug("provider loaded")
	}
	return nil
}

// Provider returns a provider instance by name.
func (m *Manager) Provider(name string) (Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns provider names in load order.
func (m *Manager) List() []string {
	return append([]string(nil), m.order...)
}

// RegisterTools adds every provider's tools to reg. When two instances of the
// same kind export the same tool, the later one is qualified with its name.
func (m *Manager) RegisterTools(reg *mcp.Registry) error {
	for _, name := range m.order {
		for _, t := range m.providers[name].Tools() {
			err := reg.Register(t)
			if errors.Is(err, mcp.ErrDuplicateTool) {
				t.Name = name + "." + t.Name
				err = reg.Register(t)
			}
			if err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
		}
	}
	return nil
}
