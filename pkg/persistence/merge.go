package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// CollisionError reports two versions of one key carrying the same
// timestamp. Neither can be picked safely, so the merge stops.
type CollisionError struct {
	Key       types.Key
	Timestamp types.Timestamp
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("key %x has two versions at timestamp %s", e.Key, e.Timestamp)
}

func (e *CollisionError) Unwrap() error {
	return dberrors.ErrTimestampCollision
}

// MergeTables merges two segments into a new one in dir. The inputs are
// left untouched.
func MergeTables(a, b *SSTable, dir string, opts Options) (*SSTable, error) {
	ita, err := a.Iterator()
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", a.ID(), err)
	}
	defer ita.Close()

	itb, err := b.Iterator()
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", b.ID(), err)
	}
	defer itb.Close()

	opts.BloomExpectedItems = uint(max(a.Len()+b.Len(), 1))
	return Merge(ita, itb, dir, opts)
}

// Merge writes the sorted union of a and b to a new segment in dir.
//
// For a key present on both sides the version with the greater timestamp
// wins and the other is dropped; a winning tombstone drops the key
// entirely. Tombstones without a counterpart are carried over. Equal
// timestamps for one key fail with a *CollisionError.
func Merge(a, b iterator.Iterator, dir string, opts Options) (*SSTable, error) {
	out, err := NewSSTable(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge output: %w", err)
	}

	abort := func(cause error) (*SSTable, error) {
		if rerr := out.Remove(); rerr != nil {
			slog.Warn("failed to remove partial merge output", "segment", out.ID(), "error", rerr)
		}
		return nil, cause
	}

	aok, bok := a.Next(), b.Next()
	for aok || bok {
		var err error
		switch {
		case !bok:
			err = out.Write(a.Entry())
			aok = a.Next()
		case !aok:
			err = out.Write(b.Entry())
			bok = b.Next()
		default:
			ea, eb := a.Entry(), b.Entry()
			switch c := bytes.Compare(ea.Key, eb.Key); {
			case c < 0:
				err = out.Write(ea)
				aok = a.Next()
			case c > 0:
				err = out.Write(eb)
				bok = b.Next()
			default:
				winner := ea
				switch ea.Timestamp.Compare(eb.Timestamp) {
				case 0:
					slog.Error("timestamp collision, aborting merge",
						"key", fmt.Sprintf("%x", ea.Key), "timestamp", ea.Timestamp.String())
					return abort(&CollisionError{Key: ea.Key, Timestamp: ea.Timestamp})
				case -1:
					winner = eb
				}
				if !winner.Deleted() {
					err = out.Write(winner)
				}
				aok, bok = a.Next(), b.Next()
			}
		}
		if err != nil {
			return abort(fmt.Errorf("failed to write merged entry: %w", err))
		}
	}

	if err := errors.Join(a.Err(), b.Err()); err != nil {
		return abort(fmt.Errorf("failed to read merge input: %w", err))
	}
	if err := out.Flush(); err != nil {
		return abort(fmt.Errorf("failed to flush merge output: %w", err))
	}

	return out, nil
}
