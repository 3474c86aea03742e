// Package conn implements the encrypted, authenticated connection layer
// underneath the transport: a station-to-station style handshake over
// X25519, HKDF-SHA256 key derivation and ChaCha20-Poly1305 framing, with
// Ed25519 identity authentication.
package conn

import (
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	dataLenSize      = 4
	dataMaxSize      = 1024
	totalFrameSize   = dataMaxSize + dataLenSize
	aeadSizeOverhead = 16 // overhead of poly1305 authentication tag
	aeadKeySize      = chacha20poly1305.KeySize
	aeadNonceSize    = chacha20poly1305.NonceSize
)

var (
	ErrSmallOrderRemotePubKey = errors.New("detected low order point from remote peer")

	secretConnKeyAndChallengeGen = []byte("REPLICA_SECRET_CONNECTION_KEY_AND_CHALLENGE_GEN")
)

// SecretConnection implements net.Conn. It is an implementation of the STS
// protocol: each side generates an ephemeral X25519 key pair, derives
// directional AEAD keys and a shared challenge from the Diffie-Hellman
// secret, and then authenticates by signing the challenge with its
// long-lived Ed25519 key inside the already-encrypted channel.
//
// Consumers of the SecretConnection are responsible for authenticating the
// remote peer's public key against known information.
type SecretConnection struct {
	conn     io.ReadWriteCloser
	recvAead cipher.AEAD
	sendAead cipher.AEAD

	remPubKey ed25519.PublicKey

	// Separate mutex per direction so full-duplex reads and writes do not
	// contend.
	recvMtx    sync.Mutex
	recvBuffer []byte
	recvNonce  *[aeadNonceSize]byte

	sendMtx   sync.Mutex
	sendNonce *[aeadNonceSize]byte
}

// authSigMessage carries the identity proof through the encrypted channel.
type authSigMessage struct {
	Key []byte `cbor:"1,keyasint"`
	Sig []byte `cbor:"2,keyasint"`
}

// MakeSecretConnection performs a handshake and returns a new authenticated
// SecretConnection. The returned connection's RemotePubKey() must be
// checked by the caller against the expected identity.
//
// Caveat: data is flushed in frames of 1024 bytes, so any party can learn
// coarse message sizes from traffic analysis.
func MakeSecretConnection(conn io.ReadWriteCloser, locPrivKey ed25519.PrivateKey) (*SecretConnection, error) {
	locEphPub, locEphPriv, err := genEphKeys()
	if err != nil {
		return nil, err
	}

	remEphPub, err := shareEphPubKey(conn, locEphPub)
	if err != nil {
		return nil, err
	}

	// Sort the ephemeral keys so both sides derive the same key schedule.
	loEphPub, hiEphPub := sortEphKeys(locEphPub, remEphPub)
	locIsLeast := bytes.Equal(locEphPub[:], loEphPub[:])

	dhSecret, err := curve25519.X25519(locEphPriv[:], remEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("diffie-hellman: %w", err)
	}

	recvSecret, sendSecret, challenge, err := deriveSecrets(dhSecret, loEphPub, hiEphPub, locIsLeast)
	if err != nil {
		return nil, err
	}

	sendAead, err := chacha20poly1305.New(sendSecret[:])
	if err != nil {
		return nil, errors.New("invalid send SecretConnection key")
	}
	recvAead, err := chacha20poly1305.New(recvSecret[:])
	if err != nil {
		return nil, errors.New("invalid receive SecretConnection key")
	}

	sc := &SecretConnection{
		conn:      conn,
		recvAead:  recvAead,
		sendAead:  sendAead,
		recvNonce: new([aeadNonceSize]byte),
		sendNonce: new([aeadNonceSize]byte),
	}

	// Authenticate the long-lived keys inside the encrypted channel.
	locSignature := ed25519.Sign(locPrivKey, challenge[:])
	authSigMsg, err := shareAuthSignature(sc, locPrivKey.Public().(ed25519.PublicKey), locSignature)
	if err != nil {
		return nil, err
	}

	if len(authSigMsg.Key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid remote public key length %d", len(authSigMsg.Key))
	}
	remPubKey := ed25519.PublicKey(authSigMsg.Key)
	if !ed25519.Verify(remPubKey, challenge[:], authSigMsg.Sig) {
		return nil, errors.New("challenge verification failed")
	}
	sc.remPubKey = remPubKey

	return sc, nil
}

// RemotePubKey returns the authenticated remote peer's public key.
func (sc *SecretConnection) RemotePubKey() ed25519.PublicKey {
	return sc.remPubKey
}

// Write writes data to the connection in encrypted 1024-byte frames.
// CONTRACT: data smaller than dataMaxSize is written atomically.
func (sc *SecretConnection) Write(data []byte) (n int, err error) {
	sc.sendMtx.Lock()
	defer sc.sendMtx.Unlock()

	for 0 < len(data) {
		var chunk []byte
		if dataMaxSize < len(data) {
			chunk = data[:dataMaxSize]
			data = data[dataMaxSize:]
		} else {
			chunk = data
			data = nil
		}

		sealedFrame := pool.Get(aeadSizeOverhead + totalFrameSize)
		frame := pool.Get(totalFrameSize)
		binary.LittleEndian.PutUint32(frame, uint32(len(chunk)))
		copy(frame[dataLenSize:], chunk)

		sc.sendAead.Seal(sealedFrame[:0], sc.sendNonce[:], frame, nil)
		incrNonce(sc.sendNonce)

		if _, err = sc.conn.Write(sealedFrame); err != nil {
			pool.Put(sealedFrame)
			pool.Put(frame)
			return n, err
		}
		n += len(chunk)
		pool.Put(sealedFrame)
		pool.Put(frame)
	}
	return n, err
}

// Read implements net.Conn.
func (sc *SecretConnection) Read(data []byte) (n int, err error) {
	sc.recvMtx.Lock()
	defer sc.recvMtx.Unlock()

	// read off and update the recvBuffer, if non-empty
	if 0 < len(sc.recvBuffer) {
		n = copy(data, sc.recvBuffer)
		sc.recvBuffer = sc.recvBuffer[n:]
		return n, nil
	}

	sealedFrame := pool.Get(aeadSizeOverhead + totalFrameSize)
	defer pool.Put(sealedFrame)
	if _, err = io.ReadFull(sc.conn, sealedFrame); err != nil {
		return n, err
	}

	frame := pool.Get(totalFrameSize)
	defer pool.Put(frame)
	if _, err = sc.recvAead.Open(frame[:0], sc.recvNonce[:], sealedFrame, nil); err != nil {
		return n, fmt.Errorf("failed to decrypt SecretConnection: %w", err)
	}
	incrNonce(sc.recvNonce)

	chunkLength := binary.LittleEndian.Uint32(frame)
	if chunkLength > dataMaxSize {
		return 0, errors.New("chunkLength is greater than dataMaxSize")
	}
	chunk := frame[dataLenSize : dataLenSize+chunkLength]
	n = copy(data, chunk)
	if n < len(chunk) {
		sc.recvBuffer = make([]byte, len(chunk)-n)
		copy(sc.recvBuffer, chunk[n:])
	}
	return n, err
}

// Close implements net.Conn.
func (sc *SecretConnection) Close() error { return sc.conn.Close() }

func (sc *SecretConnection) LocalAddr() net.Addr {
	return sc.conn.(net.Conn).LocalAddr()
}

func (sc *SecretConnection) RemoteAddr() net.Addr {
	return sc.conn.(net.Conn).RemoteAddr()
}

func (sc *SecretConnection) SetDeadline(t time.Time) error {
	return sc.conn.(net.Conn).SetDeadline(t)
}

func (sc *SecretConnection) SetReadDeadline(t time.Time) error {
	return sc.conn.(net.Conn).SetReadDeadline(t)
}

func (sc *SecretConnection) SetWriteDeadline(t time.Time) error {
	return sc.conn.(net.Conn).SetWriteDeadline(t)
}

func genEphKeys() (ephPub, ephPriv *[32]byte, err error) {
	ephPub, ephPriv = new([32]byte), new([32]byte)
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(ephPub, ephPriv)
	return ephPub, ephPriv, nil
}

func shareEphPubKey(conn io.ReadWriter, locEphPub *[32]byte) (*[32]byte, error) {
	// Send our pubkey and receive theirs in tandem.
	var (
		wg        sync.WaitGroup
		sendErr   error
		remEphPub [32]byte
		recvErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, sendErr = conn.Write(locEphPub[:])
	}()
	go func() {
		defer wg.Done()
		_, recvErr = io.ReadFull(conn, remEphPub[:])
	}()
	wg.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	if remEphPub == ([32]byte{}) {
		return nil, ErrSmallOrderRemotePubKey
	}
	return &remEphPub, nil
}

func sortEphKeys(a, b *[32]byte) (lo, hi *[32]byte) {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}
	return b, a
}

func deriveSecrets(dhSecret []byte, loEphPub, hiEphPub *[32]byte, locIsLeast bool) (recvSecret, sendSecret *[aeadKeySize]byte, challenge *[32]byte, err error) {
	hash := sha256.New
	// Salting with the sorted ephemeral keys binds the key schedule and the
	// challenge to this handshake's transcript.
	salt := make([]byte, 0, 2*len(loEphPub))
	salt = append(salt, loEphPub[:]...)
	salt = append(salt, hiEphPub[:]...)
	hkdf := hkdf.New(hash, dhSecret, salt, secretConnKeyAndChallengeGen)
	res := new([2*aeadKeySize + 32]byte)
	if _, err := io.ReadFull(hkdf, res[:]); err != nil {
		return nil, nil, nil, err
	}

	recvSecret = new([aeadKeySize]byte)
	sendSecret = new([aeadKeySize]byte)
	challenge = new([32]byte)

	// The least-key side uses the first key for receiving.
	if locIsLeast {
		copy(recvSecret[:], res[0:aeadKeySize])
		copy(sendSecret[:], res[aeadKeySize:aeadKeySize*2])
	} else {
		copy(sendSecret[:], res[0:aeadKeySize])
		copy(recvSecret[:], res[aeadKeySize:aeadKeySize*2])
	}
	copy(challenge[:], res[2*aeadKeySize:])
	return recvSecret, sendSecret, challenge, nil
}

func shareAuthSignature(sc io.ReadWriter, pubKey ed25519.PublicKey, signature []byte) (authSigMessage, error) {
	var (
		wg      sync.WaitGroup
		sendErr error
		recvMsg authSigMessage
		recvErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		bz, err := cbor.Marshal(authSigMessage{Key: pubKey, Sig: signature})
		if err != nil {
			sendErr = err
			return
		}
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(bz)))
		if _, err := sc.Write(lenBuf[:n]); err != nil {
			sendErr = err
			return
		}
		_, sendErr = sc.Write(bz)
	}()
	go func() {
		defer wg.Done()
		size, err := binary.ReadUvarint(byteReader{sc})
		if err != nil {
			recvErr = err
			return
		}
		if size > 1024 {
			recvErr = fmt.Errorf("oversized auth message (%d bytes)", size)
			return
		}
		bz := make([]byte, size)
		if _, err := io.ReadFull(sc, bz); err != nil {
			recvErr = err
			return
		}
		recvErr = cbor.Unmarshal(bz, &recvMsg)
	}()
	wg.Wait()

	if sendErr != nil {
		return authSigMessage{}, sendErr
	}
	if recvErr != nil {
		return authSigMessage{}, recvErr
	}
	return recvMsg, nil
}

type byteReader struct{ io.Reader }

func (r byteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r.Reader, b[:])
	return b[0], err
}

// incrNonce increments the little-endian 96-bit nonce.
func incrNonce(nonce *[aeadNonceSize]byte) {
	counter := binary.LittleEndian.Uint64(nonce[4:])
	if counter == math.MaxUint64 {
		// This can only happen if we wrapped, which with a 64-bit counter
		// at one frame per increment will not occur in practice.
		panic("can't increase nonce without overflow")
	}
	counter++
	binary.LittleEndian.PutUint64(nonce[4:], counter)
}
