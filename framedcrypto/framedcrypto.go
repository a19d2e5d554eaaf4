// Package framedcrypto implements a length-prefixed AES-128-GCM framed
// channel over any net.Conn, resumable across partial, non-blocking I/O.
//
// Wire record: len:u16 (big-endian) ∥ nonce:12B ∥ aes128gcm_ciphertext:len.
// A single frame is either delivered whole and decrypted, or the channel
// reports a fatal error; no partial frame is ever surfaced to the caller.
package framedcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"
)

const (
	lenFieldSize   = 2
	nonceFieldSize = 12
	maxPayloadSize = 1<<16 - 1

	// ioProbeWindow is the deadline given to each Read/Write attempt. A
	// deadline already in the past makes Go fail the call before any I/O,
	// so a short future deadline stands in for a non-blocking attempt.
	ioProbeWindow = time.Millisecond
)

var (
	// ErrPayloadTooLarge is returned by Send when the payload cannot fit
	// in the u16 length field.
	ErrPayloadTooLarge = errors.New("framedcrypto: payload exceeds u16 frame budget")

	// ErrEncryptionFailed is returned by Send on an AEAD seal failure.
	ErrEncryptionFailed = errors.New("framedcrypto: encryption failed")

	// ErrDecryptionFailed is returned by Receive when the AEAD tag does
	// not verify; the channel is no longer usable afterwards.
	ErrDecryptionFailed = errors.New("framedcrypto: decryption failed")

	// ErrMalformed is returned by Receive for a structurally invalid frame:
	// one whose length field is shorter than the AEAD tag.
	ErrMalformed = errors.New("framedcrypto: malformed frame")

	// ErrConnectionClosed is returned once the peer has closed the stream,
	// or any other fatal transport error has occurred.
	ErrConnectionClosed = errors.New("framedcrypto: connection closed")
)

// recvStage tags which part of a frame the receiver is currently filling.
type recvStage int

const (
	stageLen recvStage = iota
	stageNonce
	stageBody
)

// recvState is the single resumable receive state machine. It is never a
// graph with back-edges: Receive advances it in place, one stage at a
// time. Each stage fills its own buffer (the body buffer is allocated per
// frame), and the fill counter is reset at each stage transition.
type recvState struct {
	stage    recvStage
	lenBuf   [lenFieldSize]byte
	nonceBuf [nonceFieldSize]byte
	bodyBuf  []byte
	filled   int
	bodyLen  int
}

// sendRun is one ordered, partially-consumable byte run queued for the
// underlying stream. Frame ordering (len, then nonce, then ciphertext) is
// mandatory for interoperability and is preserved by FIFO queuing.
type sendRun struct {
	bytes  []byte
	offset int
}

// Channel is a non-blocking, resumable AES-128-GCM framed channel.
type Channel struct {
	conn net.Conn
	aead cipher.AEAD
	log  *log.Logger

	sendQueue []sendRun
	recv      recvState
}

// New wraps conn in a Channel keyed by a 16-byte AES-128 key.
func New(conn net.Conn, key [16]byte, logger *log.Logger) (*Channel, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("framedcrypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("framedcrypto: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Channel{conn: conn, aead: aead, log: logger}, nil
}

// Send encrypts payload with a fresh nonce and enqueues it for the next
// flush. It returns whether the send buffer is now empty (i.e. the frame,
// and anything queued before it, was fully written already).
func (c *Channel) Send(payload []byte) (bool, error) {
	if len(payload) > maxPayloadSize-c.aead.Overhead() {
		return false, ErrPayloadTooLarge
	}

	var nonce [nonceFieldSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return false, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ciphertext := c.aead.Seal(nil, nonce[:], payload, nil)

	var lenBytes [lenFieldSize]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(ciphertext)))

	c.sendQueue = append(c.sendQueue,
		sendRun{bytes: lenBytes[:]},
		sendRun{bytes: append([]byte(nil), nonce[:]...)},
		sendRun{bytes: ciphertext},
	)
	return c.Update()
}

// Update drains the send queue against the underlying stream, giving each
// write at most ioProbeWindow, and returns whether the queue is now empty.
func (c *Channel) Update() (bool, error) {
	for len(c.sendQueue) > 0 {
		run := &c.sendQueue[0]
		c.conn.SetWriteDeadline(time.Now().Add(ioProbeWindow))
		n, err := c.conn.Write(run.bytes[run.offset:])
		run.offset += n
		if run.offset >= len(run.bytes) {
			c.sendQueue = c.sendQueue[1:]
		}
		if err != nil {
			if isWouldBlock(err) {
				return len(c.sendQueue) == 0, nil
			}
			return false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
	return true, nil
}

// Receive attempts to assemble the next frame. It returns (payload, true,
// nil) on a complete frame, (nil, false, nil) when more bytes are needed,
// or a non-nil error on a fatal condition.
func (c *Channel) Receive() ([]byte, bool, error) {
	for {
		var target []byte
		switch c.recv.stage {
		case stageLen:
			target = c.recv.lenBuf[:]
		case stageNonce:
			target = c.recv.nonceBuf[:]
		case stageBody:
			target = c.recv.bodyBuf
		}

		for c.recv.filled < len(target) {
			c.conn.SetReadDeadline(time.Now().Add(ioProbeWindow))
			n, err := c.conn.Read(target[c.recv.filled:])
			if n == 0 && err == nil {
				return nil, false, fmt.Errorf("%w: peer closed", ErrConnectionClosed)
			}
			c.recv.filled += n
			if err != nil {
				if isWouldBlock(err) {
					return nil, false, nil
				}
				if errors.Is(err, io.EOF) {
					return nil, false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
				}
				return nil, false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
		}

		switch c.recv.stage {
		case stageLen:
			c.recv.bodyLen = int(binary.BigEndian.Uint16(c.recv.lenBuf[:]))
			c.recv.filled = 0
			if c.recv.bodyLen < c.aead.Overhead() {
				return nil, false, fmt.Errorf("%w: ciphertext length %d is shorter than the AEAD tag", ErrMalformed, c.recv.bodyLen)
			}
			c.recv.stage = stageNonce
		case stageNonce:
			c.recv.stage = stageBody
			c.recv.bodyBuf = make([]byte, c.recv.bodyLen)
			c.recv.filled = 0
		case stageBody:
			nonce := c.recv.nonceBuf
			ciphertext := c.recv.bodyBuf
			plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, nil)
			c.recv.stage = stageLen
			c.recv.filled = 0
			c.recv.bodyBuf = nil
			if err != nil {
				c.log.Warn("framedcrypto: decryption failed, closing channel")
				c.conn.Close()
				return nil, false, ErrDecryptionFailed
			}
			return plaintext, true, nil
		}
	}
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
