package lightdome

import (
	"fmt"
	"sync"
)

// MockDome is an in-memory Link which records the framed commands it is sent
type MockDome struct {
	sync.Mutex

	// Addr mirrors Dome.Addr; an empty address fails Open like the real thing
	Addr string

	// OnShoot, if not nil, is called after each SHOOT with the 0-based index
	OnShoot func(index int)

	commands []string
	open     bool
	opens    int
}

// NewMockDome returns a new MockDome with a placeholder address
func NewMockDome() *MockDome {
	return &MockDome{Addr: "mock"}
}

// Open marks the mock open
func (m *MockDome) Open() error {
	m.Lock()
	defer m.Unlock()
	if m.Addr == "" {
		return fmt.Errorf("%w: no device address configured", ErrLinkUnavailable)
	}
	m.open = true
	m.opens++
	return nil
}

func (m *MockDome) send(payload string) error {
	m.Lock()
	defer m.Unlock()
	if !m.open {
		return fmt.Errorf("lightdome mock: %s sent while closed", payload)
	}
	m.commands = append(m.commands, string(Frame(payload)))
	return nil
}

// Illuminate records an ON command
func (m *MockDome) Illuminate(index int) error {
	return m.send(fmt.Sprintf("ON,%d", index+1))
}

// Shoot records a SHOOT command and calls OnShoot
func (m *MockDome) Shoot(index int) error {
	if err := m.send(fmt.Sprintf("SHOOT,%d", index+1)); err != nil {
		return err
	}
	if m.OnShoot != nil {
		m.OnShoot(index)
	}
	return nil
}

// AllOff records an OFF command
func (m *MockDome) AllOff() error {
	return m.send("OFF")
}

// Close records an OFF command and marks the mock closed
func (m *MockDome) Close() error {
	if !m.IsOpen() {
		return nil
	}
	err := m.AllOff()
	m.Lock()
	m.open = false
	m.Unlock()
	return err
}

// IsOpen reports if the mock is currently open
func (m *MockDome) IsOpen() bool {
	m.Lock()
	defer m.Unlock()
	return m.open
}

// Opens returns how many times the mock has been opened
func (m *MockDome) Opens() int {
	m.Lock()
	defer m.Unlock()
	return m.opens
}

// Commands returns a copy of every framed command sent so far
func (m *MockDome) Commands() []string {
	m.Lock()
	defer m.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}
