package onecta

// field gives typed access to one member of LocalDeviceState.
type field[T comparable] struct {
	get func(*LocalDeviceState) T
	set func(*LocalDeviceState, T)
}

var (
	powerField = field[bool]{
		get: func(s *LocalDeviceState) bool { return s.Power },
		set: func(s *LocalDeviceState, v bool) { s.Power = v },
	}
	modeField = field[Mode]{
		get: func(s *LocalDeviceState) Mode { return s.Mode },
		set: func(s *LocalDeviceState, v Mode) { s.Mode = v },
	}
	setpointField = field[float64]{
		get: func(s *LocalDeviceState) float64 { return s.SetpointTemperature },
		set: func(s *LocalDeviceState, v float64) { s.SetpointTemperature = v },
	}
)

// optimistic sets f to value, runs attempt without holding the state lock,
// and restores the previous value if attempt fails. The restore is skipped
// when something else (a poll) has overwritten the field in the meantime.
func optimistic[T comparable](d *DeviceSync, f field[T], value T, attempt func() error) error {
	d.mu.Lock()
	prev := f.get(&d.state)
	f.set(&d.state, value)
	d.mu.Unlock()

	if err := attempt(); err != nil {
		d.mu.Lock()
		if f.get(&d.state) == value {
			f.set(&d.state, prev)
		}
		d.mu.Unlock()
		return err
	}
	return nil
}
