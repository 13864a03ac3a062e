package sensors

import "fmt"

// New builds a sensor from its configuration. The returned sensor is not
// started.
func New(cfg Config, deps Deps) (Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "poll":
		return newPollSensor(cfg, deps), nil
	case "watch":
		return newWatchSensor(cfg, deps), nil
	case "stream":
		return newStreamSensor(cfg, deps), nil
	default:
		return nil, fmt.Errorf("sensor %q has unknown type %q", cfg.Name, cfg.Type)
	}
}

// NewAll builds every valid sensor in the list. Invalid configurations are
// reported but don't block the rest; the agent still starts with the
// sensors that do work.
func NewAll(configs []Config, deps Deps) ([]Sensor, []error) {
	var (
		built []Sensor
		errs  []error
	)
	for _, cfg := range configs {
		s, err := New(cfg, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		built = append(built, s)
	}
	return built, errs
}
