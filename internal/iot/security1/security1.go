// Package security1 implements the Security1 handshake and authenticated
// symmetric encryption session described in SPEC_FULL.md §4.5: an X25519 key
// agreement combined with a proof-of-possession secret, producing a session
// key used for both AES-CTR encryption and HMAC-SHA256 authentication.
//
// Grounded on internal/rtmp/handshake/server.go for the state-machine/FSM
// shape (a handshake server handling successive typed messages over a mutex-
// guarded session) and on other_examples' QuantaraX chunk_sender.go for the
// encrypt-then-frame pattern. The X25519 agreement itself uses
// golang.org/x/crypto/curve25519, already present in the teacher's go.mod as
// a transitive dependency of the handshake package.
package security1

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/curve25519"

	rerrors "github.com/alxayo/go-iotcc/internal/errors"
	"github.com/alxayo/go-iotcc/internal/iot/errreg"
)

// Component is this session's error-registry identity.
const Component errreg.Component = "security1"

// State is the Security1 session lifecycle (§3 Session).
type State int

const (
	StateIdle State = iota
	StateTransportStarting
	StateTransportReady
	StateHandshakePending
	StateHandshakeComplete
	StateSessionActive
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransportStarting:
		return "transport_starting"
	case StateTransportReady:
		return "transport_ready"
	case StateHandshakePending:
		return "handshake_pending"
	case StateHandshakeComplete:
		return "handshake_complete"
	case StateSessionActive:
		return "session_active"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	protocolVersion = 1

	msgTypeSessionEstablish = 1
	msgTypeSessionVerify    = 2

	statusOK          = 0
	statusNotSupported = 1

	ivSize  = 16
	macSize = 32

	lockTimeout = time.Second
)

var popPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// ValidatePoP enforces §6's PoP contract: alphanumeric plus -_ , length 6..64.
func ValidatePoP(pop string) error {
	if !popPattern.MatchString(pop) {
		return rerrors.NewValidationError("security1.validatePoP", fmt.Errorf("PoP must be 6-64 chars of [A-Za-z0-9_-]"))
	}
	return nil
}

// Config configures a Session.
type Config struct {
	PoP string
	// ActivationDelay is the brief pause between HandshakeComplete and
	// SessionActive that gives the surrounding transport time to switch to
	// operational topics (§4.5). Zero disables the delay (useful in tests).
	ActivationDelay time.Duration
	// DegradationThreshold trips a CRITICAL report after this many
	// consecutive bad-MAC failures (§4.5 Failure model).
	DegradationThreshold int
}

// Session holds Security1's per-connection crypto state. One mutex (modeled
// as a size-1 semaphore so acquisition can time out) guards the entire
// session; handshake and encrypt/decrypt operations all take it.
type Session struct {
	sem chan struct{}

	cfg      Config
	registry *errreg.Registry

	state State

	devicePriv [32]byte
	devicePub  [32]byte
	peerPub    [32]byte
	sessionKey [32]byte
	deviceRand [16]byte

	consecutiveBadMAC int32

	onActive func()
}

// New creates an Idle Session. pop must already satisfy ValidatePoP.
func New(cfg Config, registry *errreg.Registry) (*Session, error) {
	if err := ValidatePoP(cfg.PoP); err != nil {
		return nil, err
	}
	if cfg.DegradationThreshold <= 0 {
		cfg.DegradationThreshold = 5
	}
	return &Session{
		sem:      make(chan struct{}, 1),
		cfg:      cfg,
		registry: registry,
		state:    StateIdle,
	}, nil
}

// OnActive registers a callback invoked (outside the session lock) the
// moment the session transitions to SessionActive, so the owning transport
// can flip its subscriptions to operational topics.
func (s *Session) OnActive(fn func()) { s.onActive = fn }

func (s *Session) acquire(timeout time.Duration) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Session) release() { <-s.sem }

// State returns the current session state.
func (s *Session) State() State {
	if !s.acquire(lockTimeout) {
		return StateError
	}
	defer s.release()
	return s.state
}

// Start is idempotent only from Idle; it begins the Idle -> TransportStarting
// -> TransportReady sequence (§4.5 "Framework lifecycle").
func (s *Session) Start() error {
	if !s.acquire(lockTimeout) {
		return rerrors.NewTimeoutError("security1.start", lockTimeout, nil)
	}
	defer s.release()
	if s.state != StateIdle {
		return nil // idempotent
	}
	s.state = StateTransportStarting
	return nil
}

// MarkTransportReady transitions TransportStarting -> TransportReady, called
// once the surrounding transport has established connectivity.
func (s *Session) MarkTransportReady() error {
	if !s.acquire(lockTimeout) {
		return rerrors.NewTimeoutError("security1.markTransportReady", lockTimeout, nil)
	}
	defer s.release()
	if s.state != StateTransportStarting {
		return rerrors.NewStateError("security1.markTransportReady", fmt.Errorf("state=%s", s.state))
	}
	s.state = StateTransportReady
	return nil
}

// Deinit zeroizes key material and returns the session to Idle via Stopping
// (§3 "on Stopping the key material is zeroized").
func (s *Session) Deinit() {
	if !s.acquire(lockTimeout) {
		return
	}
	defer s.release()
	s.state = StateStopping
	for i := range s.devicePriv {
		s.devicePriv[i] = 0
	}
	for i := range s.sessionKey {
		s.sessionKey[i] = 0
	}
	s.state = StateIdle
}

// HandleHandshakeMessage dispatches a raw handshake message by type byte
// (§4.5). Unsupported version or unknown type replies NOT_SUPPORTED and
// transitions to Error.
func (s *Session) HandleHandshakeMessage(msg []byte) ([]byte, error) {
	if len(msg) < 2 {
		return nil, rerrors.NewProtocolError("security1.handleHandshake", fmt.Errorf("short message: len=%d", len(msg)))
	}
	if msg[0] != protocolVersion {
		return s.reject(msg)
	}
	switch msg[1] {
	case msgTypeSessionEstablish:
		return s.handleEstablish(msg)
	case msgTypeSessionVerify:
		return s.handleVerify(msg)
	default:
		return s.reject(msg)
	}
}

func (s *Session) reject(msg []byte) ([]byte, error) {
	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.reject", lockTimeout, nil)
	}
	s.state = StateError
	s.release()
	typ := byte(0)
	if len(msg) > 1 {
		typ = msg[1]
	}
	return []byte{protocolVersion, typ, statusNotSupported}, nil
}

// handleEstablish implements §4.5 "Key derivation" steps 1-5.
func (s *Session) handleEstablish(msg []byte) ([]byte, error) {
	// [version(1)][type(1)][keyLen(1)=32][peerPub(32)]
	if len(msg) != 3+32 {
		return nil, rerrors.NewProtocolError("security1.handleEstablish", fmt.Errorf("bad length: %d", len(msg)))
	}
	keyLen := msg[2]
	if keyLen != 32 {
		return nil, rerrors.NewProtocolError("security1.handleEstablish", fmt.Errorf("bad keyLen: %d", keyLen))
	}

	var peerPub [32]byte
	copy(peerPub[:], msg[3:35])

	var devicePriv, devicePub [32]byte
	if _, err := rand.Read(devicePriv[:]); err != nil {
		return nil, rerrors.NewCryptoError("security1.handleEstablish", err)
	}
	curve25519.ScalarBaseMult(&devicePub, &devicePriv)

	// R = X25519(devicePriv, peerPub). golang.org/x/crypto/curve25519
	// already produces the RFC 7748 canonical little-endian encoding, so
	// unlike a BigInt-based math library's big-endian MPI output, no
	// byte-order flip is required here (see DESIGN.md).
	agreement, err := curve25519.X25519(devicePriv[:], peerPub[:])
	if err != nil {
		return nil, rerrors.NewCryptoError("security1.handleEstablish", err)
	}

	var deviceRand [16]byte
	if _, err := rand.Read(deviceRand[:]); err != nil {
		return nil, rerrors.NewCryptoError("security1.handleEstablish", err)
	}

	popHash := sha256.Sum256([]byte(s.cfg.PoP))
	var sessionKey [32]byte
	for i := range sessionKey {
		sessionKey[i] = agreement[i] ^ popHash[i]
	}

	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.handleEstablish", lockTimeout, nil)
	}
	s.devicePriv = devicePriv
	s.devicePub = devicePub
	s.peerPub = peerPub
	s.sessionKey = sessionKey
	s.deviceRand = deviceRand
	s.state = StateHandshakePending
	s.release()

	resp := make([]byte, 0, 3+32+16)
	resp = append(resp, protocolVersion, msgTypeSessionEstablish, 32)
	resp = append(resp, devicePub[:]...)
	resp = append(resp, deviceRand[:]...)
	return resp, nil
}

// handleVerify implements §4.5 "Verification".
func (s *Session) handleVerify(msg []byte) ([]byte, error) {
	// [version(1)][type(1)][payloadLen(2,BE)][verifyToken(payloadLen)]
	if len(msg) < 4 {
		return nil, rerrors.NewProtocolError("security1.handleVerify", fmt.Errorf("short message: len=%d", len(msg)))
	}
	payloadLen := binary.BigEndian.Uint16(msg[2:4])
	if len(msg) != 4+int(payloadLen) {
		return nil, rerrors.NewProtocolError("security1.handleVerify", fmt.Errorf("length mismatch: declared=%d actual=%d", payloadLen, len(msg)-4))
	}
	token := msg[4:]

	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.handleVerify", lockTimeout, nil)
	}
	key := s.sessionKey
	iv := s.deviceRand
	devicePub := s.devicePub
	s.release()

	plain, err := aesCTR(key, iv, token)
	if err != nil {
		return nil, rerrors.NewCryptoError("security1.handleVerify", err)
	}

	if !bytes.Equal(plain, devicePub[:]) {
		if !s.acquire(lockTimeout) {
			return nil, rerrors.NewTimeoutError("security1.handleVerify", lockTimeout, nil)
		}
		s.state = StateError
		s.release()
		if s.registry != nil {
			s.registry.Report(nil, errreg.Report{Component: Component, Category: errreg.CategoryProtocol, Severity: errreg.SeverityError, Description: "session verify: token mismatch"})
		}
		return []byte{protocolVersion, msgTypeSessionVerify, 1}, nil
	}

	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.handleVerify", lockTimeout, nil)
	}
	s.state = StateHandshakeComplete
	s.release()

	go s.activateAfterDelay()

	return []byte{protocolVersion, msgTypeSessionVerify, statusOK}, nil
}

func (s *Session) activateAfterDelay() {
	if s.cfg.ActivationDelay > 0 {
		time.Sleep(s.cfg.ActivationDelay)
	}
	if s.acquire(lockTimeout) {
		s.state = StateSessionActive
		s.release()
	}
	if s.onActive != nil {
		s.onActive()
	}
}

// EncryptedSize returns the wire size of an n-byte plaintext once encrypted
// (§4.5 "Buffer sizing contract").
func EncryptedSize(n int) int { return n + ivSize + macSize }

// DecryptedSize returns the plaintext size carried by an m-byte ciphertext.
// m must exceed ivSize+macSize.
func DecryptedSize(m int) (int, error) {
	if m <= ivSize+macSize {
		return 0, rerrors.NewBufferError("security1.decryptedSize", m, ivSize+macSize+1)
	}
	return m - ivSize - macSize, nil
}

// Encrypt produces IV(16) || MAC(32) || ct(n) for a live session.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.encrypt", lockTimeout, nil)
	}
	state := s.state
	key := s.sessionKey
	s.release()

	if state != StateSessionActive && state != StateHandshakeComplete {
		return nil, rerrors.NewStateError("security1.encrypt", fmt.Errorf("state=%s", state))
	}

	var iv [ivSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, rerrors.NewCryptoError("security1.encrypt", err)
	}
	ct, err := aesCTR(key, iv, plaintext)
	if err != nil {
		return nil, rerrors.NewCryptoError("security1.encrypt", err)
	}

	mac := hmacSHA256(key, iv[:], ct)

	out := make([]byte, 0, EncryptedSize(len(plaintext)))
	out = append(out, iv[:]...)
	out = append(out, mac...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt verifies the MAC before decrypting (§4.5: "verified before
// decryption; a mismatch ... must not leak plaintext").
func (s *Session) Decrypt(wire []byte) ([]byte, error) {
	if len(wire) <= ivSize+macSize {
		return nil, rerrors.NewBufferError("security1.decrypt", len(wire), ivSize+macSize+1)
	}

	if !s.acquire(lockTimeout) {
		return nil, rerrors.NewTimeoutError("security1.decrypt", lockTimeout, nil)
	}
	state := s.state
	key := s.sessionKey
	s.release()

	if state != StateSessionActive && state != StateHandshakeComplete {
		return nil, rerrors.NewStateError("security1.decrypt", fmt.Errorf("state=%s", state))
	}

	iv := wire[:ivSize]
	mac := wire[ivSize : ivSize+macSize]
	ct := wire[ivSize+macSize:]

	want := hmacSHA256(key, iv, ct)
	if !hmac.Equal(want, mac) {
		s.onBadMAC()
		return nil, rerrors.NewMACError("security1.decrypt")
	}
	atomic.StoreInt32(&s.consecutiveBadMAC, 0)

	var ivArr [ivSize]byte
	copy(ivArr[:], iv)
	plain, err := aesCTR(key, ivArr, ct)
	if err != nil {
		return nil, rerrors.NewCryptoError("security1.decrypt", err)
	}
	return plain, nil
}

func (s *Session) onBadMAC() {
	n := atomic.AddInt32(&s.consecutiveBadMAC, 1)
	if s.registry == nil {
		return
	}
	severity := errreg.SeverityWarning
	if int(n) >= s.cfg.DegradationThreshold {
		severity = errreg.SeverityCritical
	}
	s.registry.Report(nil, errreg.Report{Component: Component, Category: errreg.CategoryProtocol, Severity: severity, Description: "bad MAC on decrypt", Code: -1})
}

func hmacSHA256(key [32]byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func aesCTR(key [32]byte, iv [ivSize]byte, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv[:])
	out := make([]byte, len(in))
	stream.XORKeyStream(out, in)
	return out, nil
}
