// Package protocol defines the messages exchanged between replicas and
// clients and their binary encoding. Messages use the protobuf wire format
// with fixed field numbers, so the encoding is stable across releases.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/skadeyl/raftwal/logio"
)

// ErrorCode is the outcome tag carried in a DataResponse.
type ErrorCode int32

const (
	CodeOK ErrorCode = iota
	CodeNotLeader
	CodeNotLeaderAnymore
	CodeTimeout
	CodeIOError
)

// String converts an ErrorCode into a string.
func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotLeader:
		return "not leader"
	case CodeNotLeaderAnymore:
		return "not leader anymore"
	case CodeTimeout:
		return "timeout"
	case CodeIOError:
		return "io error"
	default:
		return fmt.Sprintf("error code %d", int32(c))
	}
}

// Message is implemented by every wire message.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// RequestVote is sent by a candidate soliciting a vote.
type RequestVote struct {
	Term        int64
	CandidateID int32
	LastLogPos  logio.LogPos
	LastLogTerm int64
}

// RequestVoteResponse is the reply to a RequestVote.
type RequestVoteResponse struct {
	Term        int64
	VoteGranted bool
}

// Entry is a replicated log record.
type Entry struct {
	Term      int64
	Payload   []byte
	ClientID  int64
	RequestID int64
}

// AppendEntries carries entries and heartbeat information from a leader.
type AppendEntries struct {
	Term         int64
	LeaderID     int32
	PrevPos      logio.LogPos
	PrevTerm     int64
	Entries      []Entry
	LeaderCommit logio.LogPos
}

// AppendEntriesResponse is the reply to an AppendEntries. ConflictHint is
// null unless the consistency check failed and the follower can point the
// leader at the highest position it is confident about.
type AppendEntriesResponse struct {
	Term         int64
	Success      bool
	MatchPos     logio.LogPos
	ConflictHint logio.LogPos
}

// Data is a client request to replicate a payload.
type Data struct {
	Payload   []byte
	ClientID  int64
	RequestID int64
}

// DataResponse reports the outcome of a Data request. LeaderHint is -1 when
// the responder has no leader guess.
type DataResponse struct {
	ErrorCode    ErrorCode
	CommittedPos logio.LogPos
	LeaderHint   int32
	ErrorReason  string
}

// StorageState is the durable {term, votedFor} record.
type StorageState struct {
	Term     int64
	VotedFor int32
}

func appendLogPos(b []byte, num protowire.Number, p logio.LogPos) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(int64(p.FileOrd)))
	sub = protowire.AppendTag(sub, 2, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(p.Offset))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func parseLogPos(b []byte) (logio.LogPos, error) {
	var p logio.LogPos
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.FileOrd = int32(int64(v))
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Offset = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (m *RequestVote) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Term))
	b = appendVarintField(b, 2, uint64(int64(m.CandidateID)))
	b = appendLogPos(b, 3, m.LastLogPos)
	b = appendVarintField(b, 4, uint64(m.LastLogTerm))
	return b, nil
}

func (m *RequestVote) Unmarshal(data []byte) error {
	*m = RequestVote{LastLogPos: logio.NullPos}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.CandidateID = int32(int64(v))
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.LastLogPos = pos
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LastLogTerm = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *RequestVoteResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Term))
	granted := uint64(0)
	if m.VoteGranted {
		granted = 1
	}
	b = appendVarintField(b, 2, granted)
	return b, nil
}

func (m *RequestVoteResponse) Unmarshal(data []byte) error {
	*m = RequestVoteResponse{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.VoteGranted = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *Entry) Marshal() ([]byte, error) {
	return m.append(nil), nil
}

func (m *Entry) append(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.Term))
	b = appendBytesField(b, 2, m.Payload)
	if m.ClientID != 0 {
		b = appendVarintField(b, 3, uint64(m.ClientID))
	}
	if m.RequestID != 0 {
		b = appendVarintField(b, 4, uint64(m.RequestID))
	}
	return b
}

func (m *Entry) Unmarshal(data []byte) error {
	*m = Entry{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ClientID = int64(v)
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.RequestID = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *AppendEntries) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Term))
	b = appendVarintField(b, 2, uint64(int64(m.LeaderID)))
	b = appendLogPos(b, 3, m.PrevPos)
	b = appendVarintField(b, 4, uint64(m.PrevTerm))
	for i := range m.Entries {
		b = appendBytesField(b, 5, m.Entries[i].append(nil))
	}
	b = appendLogPos(b, 6, m.LeaderCommit)
	return b, nil
}

func (m *AppendEntries) Unmarshal(data []byte) error {
	*m = AppendEntries{PrevPos: logio.NullPos, LeaderCommit: logio.NullPos}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LeaderID = int32(int64(v))
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.PrevPos = pos
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.PrevTerm = int64(v)
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var entry Entry
			if err := entry.Unmarshal(v); err != nil {
				return err
			}
			m.Entries = append(m.Entries, entry)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.LeaderCommit = pos
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *AppendEntriesResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Term))
	success := uint64(0)
	if m.Success {
		success = 1
	}
	b = appendVarintField(b, 2, success)
	b = appendLogPos(b, 3, m.MatchPos)
	b = appendLogPos(b, 4, m.ConflictHint)
	return b, nil
}

func (m *AppendEntriesResponse) Unmarshal(data []byte) error {
	*m = AppendEntriesResponse{MatchPos: logio.NullPos, ConflictHint: logio.NullPos}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Success = v != 0
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.MatchPos = pos
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.ConflictHint = pos
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *Data) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, m.Payload)
	if m.ClientID != 0 {
		b = appendVarintField(b, 2, uint64(m.ClientID))
	}
	if m.RequestID != 0 {
		b = appendVarintField(b, 3, uint64(m.RequestID))
	}
	return b, nil
}

func (m *Data) Unmarshal(data []byte) error {
	*m = Data{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ClientID = int64(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.RequestID = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *DataResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(int64(m.ErrorCode)))
	b = appendLogPos(b, 2, m.CommittedPos)
	b = appendVarintField(b, 3, uint64(int64(m.LeaderHint)))
	if m.ErrorReason != "" {
		b = appendBytesField(b, 4, []byte(m.ErrorReason))
	}
	return b, nil
}

func (m *DataResponse) Unmarshal(data []byte) error {
	*m = DataResponse{CommittedPos: logio.NullPos, LeaderHint: -1}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ErrorCode = ErrorCode(int64(v))
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			pos, err := parseLogPos(v)
			if err != nil {
				return err
			}
			m.CommittedPos = pos
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LeaderHint = int32(int64(v))
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ErrorReason = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *StorageState) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Term))
	b = appendVarintField(b, 2, uint64(int64(m.VotedFor)))
	return b, nil
}

func (m *StorageState) Unmarshal(data []byte) error {
	*m = StorageState{VotedFor: -1}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.VotedFor = int32(int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
