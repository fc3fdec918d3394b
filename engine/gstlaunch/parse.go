package gstlaunch

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/weiihann/fanbench/engine"
)

type eventKind int

const (
	eventNone eventKind = iota
	eventPlaying
	eventMessage
	eventMeasurement
)

type event struct {
	kind        eventKind
	message     engine.Message
	measurement engine.Measurement
	sink        string
}

var (
	playingRe = regexp.MustCompile(`^Setting pipeline to PLAYING`)
	elementRe = regexp.MustCompile(
		`^Got message #\d+ from element "([^"]+)" \(element\): ([\w-]+)(.*)$`,
	)
	doubleRe = regexp.MustCompile(`\btime=\(double\)([-+0-9.eE]+|inf|nan)`)
	fpsRe    = regexp.MustCompile(
		`GstFPSDisplaySink:([^:]+): last-message = rendered: (\d+), dropped: (\d+), current: ([-+0-9.eE]+), average: ([-+0-9.eE]+)`,
	)
	errorRe    = regexp.MustCompile(`^ERROR: (?:from element (\S+): )?(.*)$`)
	busErrorRe = regexp.MustCompile(`^Got message #\d+ from element "([^"]+)" \(error\): (.*)$`)
	eosRe      = regexp.MustCompile(`^Got EOS from element "([^"]+)"`)
)

// parseLine converts one line of gst-launch -m -v output into an event.
// Lines that carry nothing the harness consumes yield eventNone.
func parseLine(line string) event {
	line = strings.TrimSpace(line)

	switch {
	case playingRe.MatchString(line):
		return event{kind: eventPlaying}

	case strings.HasPrefix(line, "ERROR: "):
		m := errorRe.FindStringSubmatch(line)
		source := strings.TrimSuffix(m[1], ":")

		return event{
			kind: eventMessage,
			message: engine.Message{
				Kind:   engine.MessageError,
				Source: source,
				Err:    errors.New(strings.TrimSpace(m[2])),
			},
		}

	case busErrorRe.MatchString(line):
		m := busErrorRe.FindStringSubmatch(line)

		return event{
			kind: eventMessage,
			message: engine.Message{
				Kind:   engine.MessageError,
				Source: m[1],
				Err:    errors.New(m[2]),
			},
		}

	case eosRe.MatchString(line):
		m := eosRe.FindStringSubmatch(line)

		return event{
			kind:    eventMessage,
			message: engine.Message{Kind: engine.MessageEOS, Source: m[1]},
		}
	}

	if m := elementRe.FindStringSubmatch(line); m != nil {
		msg := engine.Message{Kind: engine.MessageElement, Source: m[1], Name: m[2]}

		if d := doubleRe.FindStringSubmatch(m[3]); d != nil {
			v, err := strconv.ParseFloat(d[1], 64)
			if err != nil {
				return event{}
			}
			msg.Value = v
		} else if msg.Name == engine.PerfMessage {
			return event{}
		}

		return event{kind: eventMessage, message: msg}
	}

	if m := fpsRe.FindStringSubmatch(line); m != nil {
		dropped, err1 := strconv.ParseFloat(m[3], 64)
		current, err2 := strconv.ParseFloat(m[4], 64)
		average, err3 := strconv.ParseFloat(m[5], 64)

		if err := errors.Join(err1, err2, err3); err != nil {
			return event{}
		}

		return event{
			kind: eventMeasurement,
			sink: m[1],
			measurement: engine.Measurement{
				Current: current,
				Dropped: dropped,
				Average: average,
			},
		}
	}

	return event{}
}
