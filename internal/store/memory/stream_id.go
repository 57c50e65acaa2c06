package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// streamID mirrors the Redis stream id layout <millis>-<seq>.
type streamID struct {
	ms  int64
	seq int64
}

func parseStreamID(s string) (streamID, error) {
	if s == "" || s == "0" || s == "0-0" {
		return streamID{}, nil
	}
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("memory: invalid stream id %q", s)
	}
	var seq int64
	if found {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return streamID{}, fmt.Errorf("memory: invalid stream id %q", s)
		}
	}
	return streamID{ms: ms, seq: seq}, nil
}

func (id streamID) String() string {
	return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10)
}

func (id streamID) less(other streamID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

// next returns the id following id for a message appended at nowMs.
// A clock that moves backwards keeps the last millisecond and bumps the sequence.
func (id streamID) next(nowMs int64) streamID {
	if nowMs > id.ms {
		return streamID{ms: nowMs}
	}
	return streamID{ms: id.ms, seq: id.seq + 1}
}
