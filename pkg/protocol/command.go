/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package protocol

// MaxTubeNameLen is the longest tube name a command may reference. The
// framing layer tolerates longer name fields; tube names are stricter.
const MaxTubeNameLen = 200

// Op identifies a protocol verb.
type Op int

const (
	OpPut Op = iota
	OpUse
	OpReserve
	OpReserveWithTimeout
	OpReserveJob
	OpDelete
	OpRelease
	OpBury
	OpTouch
	OpWatch
	OpIgnore
	OpPeek
	OpPeekReady
	OpPeekDelayed
	OpPeekBuried
	OpKick
	OpKickJob
	OpStatsJob
	OpStatsTube
	OpStats
	OpListTubes
	OpListTubeUsed
	OpListTubesWatched
	OpQuit
	OpPauseTube
	numOps
)

var opNames = map[Op]string{
	OpPut:                "put",
	OpUse:                "use",
	OpReserve:            "reserve",
	OpReserveWithTimeout: "reserve-with-timeout",
	OpReserveJob:         "reserve-job",
	OpDelete:             "delete",
	OpRelease:            "release",
	OpBury:               "bury",
	OpTouch:              "touch",
	OpWatch:              "watch",
	OpIgnore:             "ignore",
	OpPeek:               "peek",
	OpPeekReady:          "peek-ready",
	OpPeekDelayed:        "peek-delayed",
	OpPeekBuried:         "peek-buried",
	OpKick:               "kick",
	OpKickJob:            "kick-job",
	OpStatsJob:           "stats-job",
	OpStatsTube:          "stats-tube",
	OpStats:              "stats",
	OpListTubes:          "list-tubes",
	OpListTubeUsed:       "list-tube-used",
	OpListTubesWatched:   "list-tubes-watched",
	OpQuit:               "quit",
	OpPauseTube:          "pause-tube",
}

var opsByName = func() map[string]Op {
	m := make(map[string]Op, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

func (op Op) String() string { return opNames[op] }

// Ops enumerates every verb in canonical order, for stats reporting.
func Ops() []Op {
	ops := make([]Op, 0, int(numOps))
	for op := Op(0); op < numOps; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Command is a fully parsed client request. Only the fields named by the
// verb's grammar are populated.
type Command struct {
	Op      Op
	Tube    string
	ID      uint64
	Pri     uint32
	Delay   uint32
	TTR     uint32
	Bound   uint32
	Timeout uint32
	Body    []byte
}

// parser consumes a token sequence front to back, the way the command
// grammar reads.
type parser struct {
	toks []Token
}

func (p *parser) name() (string, error) {
	if len(p.toks) == 0 || p.toks[0].Kind != KindName {
		return "", ErrBadFormat
	}
	n := p.toks[0].Name
	p.toks = p.toks[1:]
	return n, nil
}

func (p *parser) tube() (string, error) {
	n, err := p.name()
	if err != nil {
		return "", err
	}
	if len(n) > MaxTubeNameLen {
		return "", ErrBadFormat
	}
	return n, nil
}

func (p *parser) integer() (uint32, error) {
	if len(p.toks) == 0 || p.toks[0].Kind != KindInteger {
		return 0, ErrBadFormat
	}
	// The codec caps inbound integers at 32 bits.
	n := uint32(p.toks[0].Int)
	p.toks = p.toks[1:]
	return n, nil
}

func (p *parser) body() ([]byte, error) {
	if len(p.toks) == 0 || p.toks[0].Kind != KindBytes {
		return nil, ErrBadFormat
	}
	b := p.toks[0].Bytes
	p.toks = p.toks[1:]
	return b, nil
}

func (p *parser) finish() error {
	if len(p.toks) != 0 {
		return ErrBadFormat
	}
	return nil
}

// Parse converts a decoded frame into a Command. A well-formed line whose
// first field is not a known verb reports UNKNOWN_COMMAND; any grammar
// mismatch, including leftover fields, reports BAD_FORMAT.
func Parse(frame []Token) (*Command, error) {
	p := &parser{toks: frame}
	verb, err := p.name()
	if err != nil {
		return nil, err
	}
	op, ok := opsByName[verb]
	if !ok {
		return nil, ErrUnknownCommand
	}

	cmd := &Command{Op: op}
	switch op {
	case OpPut:
		if cmd.Pri, err = p.integer(); err != nil {
			return nil, err
		}
		if cmd.Delay, err = p.integer(); err != nil {
			return nil, err
		}
		if cmd.TTR, err = p.integer(); err != nil {
			return nil, err
		}
		if _, err = p.integer(); err != nil { // byte count, implied by the body
			return nil, err
		}
		if cmd.Body, err = p.body(); err != nil {
			return nil, err
		}
	case OpUse, OpWatch, OpIgnore, OpStatsTube:
		if cmd.Tube, err = p.tube(); err != nil {
			return nil, err
		}
	case OpReserveWithTimeout:
		if cmd.Timeout, err = p.integer(); err != nil {
			return nil, err
		}
	case OpReserveJob, OpDelete, OpTouch, OpPeek, OpKickJob, OpStatsJob:
		var id uint32
		if id, err = p.integer(); err != nil {
			return nil, err
		}
		cmd.ID = uint64(id)
	case OpRelease:
		var id uint32
		if id, err = p.integer(); err != nil {
			return nil, err
		}
		cmd.ID = uint64(id)
		if cmd.Pri, err = p.integer(); err != nil {
			return nil, err
		}
		if cmd.Delay, err = p.integer(); err != nil {
			return nil, err
		}
	case OpBury:
		var id uint32
		if id, err = p.integer(); err != nil {
			return nil, err
		}
		cmd.ID = uint64(id)
		if cmd.Pri, err = p.integer(); err != nil {
			return nil, err
		}
	case OpKick:
		if cmd.Bound, err = p.integer(); err != nil {
			return nil, err
		}
	case OpPauseTube:
		if cmd.Tube, err = p.tube(); err != nil {
			return nil, err
		}
		if cmd.Delay, err = p.integer(); err != nil {
			return nil, err
		}
	case OpReserve, OpPeekReady, OpPeekDelayed, OpPeekBuried,
		OpStats, OpListTubes, OpListTubeUsed, OpListTubesWatched, OpQuit:
		// no arguments
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return cmd, nil
}
