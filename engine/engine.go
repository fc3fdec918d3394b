// Package engine defines the lifecycle surface the harness needs from an
// external stream-processing engine. Implementations live in sub-packages.
package engine

import (
	"context"
	"fmt"

	"github.com/weiihann/fanbench/topology"
)

// State is the subset of engine pipeline states the harness drives.
type State int

const (
	StateNull State = iota
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StatePlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageKind classifies a bus message.
type MessageKind int

const (
	MessageElement MessageKind = iota
	MessageError
	MessageEOS
)

// PerfMessage is the name of element messages carrying a per-frame timing.
const PerfMessage = "perf"

// FPSSignal is the measurement sink signal carrying throughput triples.
const FPSSignal = "fps-measurements"

// Message is one asynchronous bus event.
type Message struct {
	Kind   MessageKind
	Name   string
	Source string
	Value  float64
	Err    error
}

// Measurement is the payload of FPSSignal.
type Measurement struct {
	Current float64
	Dropped float64
	Average float64
}

// MessageHandler and MeasurementHandler may be called from engine-owned
// goroutines and must not block.
type (
	MessageHandler     func(Message)
	MeasurementHandler func(Measurement)
)

// Subscription detaches a handler. Unsubscribe is safe to call repeatedly.
type Subscription interface {
	Unsubscribe()
}

// Pipeline is one built topology.
type Pipeline interface {
	SetState(State) error
	Subscribe(MessageHandler) Subscription
	Connect(signal string, h MeasurementHandler) (Subscription, error)
	Release() error
}

// Engine builds pipelines from descriptions.
type Engine interface {
	Name() string
	Build(ctx context.Context, d topology.Description) (Pipeline, error)
}
