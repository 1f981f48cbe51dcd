package enum

import "github.com/yanun0323/errors"

// Health of an exchange connector. Only Healthy accepts new placements.
type Health uint8

const (
	_health_beg Health = iota
	HealthHealthy
	HealthDegraded
	HealthDown
	_health_end
)

var _healthNames = [...]string{"", "Healthy", "Degraded", "Down"}

func (h Health) IsAvailable() bool {
	return h > _health_beg && h < _health_end
}

func (h Health) String() string {
	if !h.IsAvailable() {
		return "unknown"
	}
	return _healthNames[h]
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(text []byte) error {
	v, ok := lookup(_healthNames[:], string(text))
	if !ok {
		return errors.Errorf("unknown health %q", text)
	}
	*h = Health(v)
	return nil
}
