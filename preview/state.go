package preview

import (
	"errors"
	"fmt"
	"slices"
)

type State string

const (
	Idle           State = "idle"
	Resolving      State = "resolving"
	Compositing    State = "compositing"
	Encoding       State = "encoding"
	Done           State = "done"
	ErrorRecovered State = "error_recovered"
	Failed         State = "failed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// transitions 跳过失败单品后经 ErrorRecovered 回到 Compositing
var transitions = map[State][]State{
	Idle:           {Resolving},
	Resolving:      {Compositing, ErrorRecovered, Failed},
	Compositing:    {Encoding, ErrorRecovered, Failed},
	ErrorRecovered: {Compositing},
	Encoding:       {Done, Failed},
}

func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

func (s State) Terminal() bool {
	return s == Done || s == Failed
}

type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{state: Idle, trace: []State{Idle}}
}

func (m *machine) to(states ...State) error {
	for _, next := range states {
		if !m.state.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
		}
		m.state = next
		m.trace = append(m.trace, next)
	}
	return nil
}
