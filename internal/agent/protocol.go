package agent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// MaxFrameSize bounds a single agent message.
const MaxFrameSize = 256 * 1024

// Message types from draft-miller-ssh-agent, including the legacy
// protocol 1 requests.
const (
	msgRequestRSAIdentities    = 1
	msgRSAChallenge            = 3
	msgFailure                 = 5
	msgSuccess                 = 6
	msgAddRSAIdentity          = 7
	msgRemoveRSAIdentity       = 8
	msgRemoveAllRSAIdentities  = 9
	msgRequestIdentities       = 11
	msgIdentitiesAnswer        = 12
	msgSignRequest             = 13
	msgSignResponse            = 14
	msgAddIdentity             = 17
	msgRemoveIdentity          = 18
	msgRemoveAllIdentities     = 19
	msgAddSmartcardKey         = 20
	msgRemoveSmartcardKey      = 21
	msgLock                    = 22
	msgUnlock                  = 23
	msgAddRSAIDConstrained     = 24
	msgAddIDConstrained        = 25
	msgAddSmartcardConstrained = 26
	msgExtension               = 27
)

// Sign request flags.
const (
	FlagRSASHA256 = 2
	FlagRSASHA512 = 4
)

// ErrMalformedMessage indicates a frame that violates the protocol. The
// connection it arrived on is closed.
var ErrMalformedMessage = errors.New("agent: malformed message")

// signRequestMsg is SSH_AGENTC_SIGN_REQUEST.
type signRequestMsg struct {
	KeyBlob []byte `sshtype:"13"`
	Data    []byte
	Flags   uint32
}

// signResponseMsg is SSH_AGENT_SIGN_RESPONSE.
type signResponseMsg struct {
	SigBlob []byte `sshtype:"14"`
}

var failureFrame = []byte{msgFailure}

// refusedRequests are defined by the protocol but not served here.
var refusedRequests = map[byte]bool{
	msgRequestRSAIdentities:    true,
	msgRSAChallenge:            true,
	msgAddRSAIdentity:          true,
	msgRemoveRSAIdentity:       true,
	msgRemoveAllRSAIdentities:  true,
	msgAddIdentity:             true,
	msgRemoveIdentity:          true,
	msgRemoveAllIdentities:     true,
	msgAddSmartcardKey:         true,
	msgRemoveSmartcardKey:      true,
	msgLock:                    true,
	msgUnlock:                  true,
	msgAddRSAIDConstrained:     true,
	msgAddIDConstrained:        true,
	msgAddSmartcardConstrained: true,
	msgExtension:               true,
}

// readFrame reads one length-prefixed message. io.EOF is returned only for
// a clean close between frames.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length", ErrMalformedMessage)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedMessage)
		}
		return nil, err
	}
	return payload, nil
}

// writeFrame writes payload with its length prefix in a single write.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// marshalIdentities encodes SSH_AGENT_IDENTITIES_ANSWER.
func marshalIdentities(ids []Identity) []byte {
	size := 1 + 4
	for _, id := range ids {
		size += 4 + len(id.PublicKey.Marshal()) + 4 + len(id.Comment)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, msgIdentitiesAnswer)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = appendString(buf, id.PublicKey.Marshal())
		buf = appendString(buf, []byte(id.Comment))
	}
	return buf
}

func appendString(buf, s []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// parseSignRequest decodes SSH_AGENTC_SIGN_REQUEST. Trailing bytes are an
// error.
func parseSignRequest(payload []byte) (*signRequestMsg, error) {
	var req signRequestMsg
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &req, nil
}

// AlgorithmForFlags returns the signature algorithm the flags request for
// key, or "" for the key's default.
func AlgorithmForFlags(key ssh.PublicKey, flags uint32) string {
	if key.Type() != ssh.KeyAlgoRSA {
		return ""
	}
	switch {
	case flags&FlagRSASHA512 != 0:
		return ssh.KeyAlgoRSASHA512
	case flags&FlagRSASHA256 != 0:
		return ssh.KeyAlgoRSASHA256
	default:
		return ""
	}
}
