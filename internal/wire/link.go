package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 16 << 20

// chunkSize bounds a single write so message-oriented carriers (data
// channels) never see oversized messages.
const chunkSize = 16 << 10

// ErrLinkClosed is returned by operations on a closed link.
var ErrLinkClosed = errors.New("wire: link closed")

// Link carries frames between two peers. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Link interface {
	Codec() Codec
	Send(ctx context.Context, frame Frame) error
	Recv() (Frame, error)
	Close() error
	// Done is closed once the link is closed locally or by the peer.
	Done() <-chan struct{}
}

// StreamLink frames messages over a byte stream with a 4-byte big-endian
// length prefix.
type StreamLink struct {
	codec  Codec
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// NewStreamLink wraps rwc. A nil codec selects JSON.
func NewStreamLink(rwc io.ReadWriteCloser, codec Codec) *StreamLink {
	if codec == nil {
		codec = JSON()
	}
	return &StreamLink{
		codec:  codec,
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64<<10),
		done:   make(chan struct{}),
	}
}

func (l *StreamLink) Codec() Codec { return l.codec }

func (l *StreamLink) Done() <-chan struct{} { return l.done }

func (l *StreamLink) Send(ctx context.Context, frame Frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	data, err := l.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit", len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.write(header[:]); err != nil {
		return err
	}
	for len(data) > 0 {
		n := len(data)
		if n > chunkSize {
			n = chunkSize
		}
		if err := l.write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (l *StreamLink) write(p []byte) error {
	if _, err := l.rwc.Write(p); err != nil {
		l.markClosed()
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

func (l *StreamLink) Recv() (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(l.reader, header[:]); err != nil {
		l.markClosed()
		return Frame{}, closedErr(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		_ = l.Close()
		return Frame{}, fmt.Errorf("wire: peer frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(l.reader, data); err != nil {
		l.markClosed()
		return Frame{}, closedErr(err)
	}
	var frame Frame
	if err := l.codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return frame, nil
}

func (l *StreamLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rwc.Close()
	})
	return err
}

func (l *StreamLink) markClosed() {
	_ = l.Close()
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %v", ErrLinkClosed, err)
}
