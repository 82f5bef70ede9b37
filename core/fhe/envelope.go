package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// Envelope layout:
//
//	version (1) || commitment (32) || ephemeral P-256 key (65) || nonce (12) || sealed value||blinding (64+16)
//
// The version, commitment and ephemeral key are authenticated as GCM additional data.
const (
	envelopeVersion = 0x01

	commitmentLen   = fr.Bytes
	pubKeyLen       = 65
	nonceLen        = 12
	plaintextLen    = 2 * fr.Bytes
	tagLen          = 16
	headerLen       = 1 + commitmentLen + pubKeyLen
	envelopeLen     = headerLen + nonceLen + plaintextLen + tagLen
	hkdfInfo        = "neonveil-bid-envelope-v1"
	aesKeyLen       = 32
	commitmentStart = 1
	pubKeyStart     = commitmentStart + commitmentLen
	nonceStart      = headerLen
	sealedStart     = headerLen + nonceLen
)

type envelope struct {
	commitment fr.Element
	ephemeral  *ecdh.PublicKey
	nonce      []byte
	sealed     []byte
	raw        []byte
}

// parseEnvelope checks structure only. It needs no key.
func parseEnvelope(data []byte) (*envelope, error) {
	if len(data) != envelopeLen {
		return nil, errors.Errorf("envelope is %d bytes, expected %d", len(data), envelopeLen)
	}
	if data[0] != envelopeVersion {
		return nil, errors.Errorf("unsupported envelope version %#x", data[0])
	}
	commitment, err := fr.BigEndian.Element((*[fr.Bytes]byte)(data[commitmentStart:pubKeyStart]))
	if err != nil {
		return nil, errors.Wrap(err, "commitment is not a field element")
	}
	ephemeral, err := ecdh.P256().NewPublicKey(data[pubKeyStart:headerLen])
	if err != nil {
		return nil, errors.Wrap(err, "parse ephemeral key")
	}
	return &envelope{
		commitment: commitment,
		ephemeral:  ephemeral,
		nonce:      data[nonceStart:sealedStart],
		sealed:     data[sealedStart:],
		raw:        data,
	}, nil
}

func (e *envelope) header() []byte { return e.raw[:headerLen] }

// seal encrypts value||blinding to recipient and returns the full envelope.
func seal(recipient *ecdh.PublicKey, value, blinding, commitment *fr.Element) ([]byte, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ephemeral key")
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, errors.Wrap(err, "ECDH")
	}

	out := make([]byte, headerLen+nonceLen, envelopeLen)
	out[0] = envelopeVersion
	cb := commitment.Bytes()
	copy(out[commitmentStart:], cb[:])
	copy(out[pubKeyStart:], ephemeral.PublicKey().Bytes())
	if _, err := rand.Read(out[nonceStart:sealedStart]); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	gcm, err := newGCM(shared, out[pubKeyStart:headerLen])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, 0, plaintextLen)
	vb, bb := value.Bytes(), blinding.Bytes()
	plaintext = append(plaintext, vb[:]...)
	plaintext = append(plaintext, bb[:]...)

	return gcm.Seal(out, out[nonceStart:sealedStart], plaintext, out[:headerLen]), nil
}

// open decrypts the envelope and returns value and blinding.
func (e *envelope) open(recipient *ecdh.PrivateKey) (value, blinding fr.Element, err error) {
	shared, err := recipient.ECDH(e.ephemeral)
	if err != nil {
		return value, blinding, errors.Wrap(err, "ECDH")
	}
	gcm, err := newGCM(shared, e.ephemeral.Bytes())
	if err != nil {
		return value, blinding, err
	}
	plaintext, err := gcm.Open(nil, e.nonce, e.sealed, e.header())
	if err != nil {
		return value, blinding, errors.Wrap(err, "open")
	}
	if value, err = fr.BigEndian.Element((*[fr.Bytes]byte)(plaintext[:fr.Bytes])); err != nil {
		return value, blinding, errors.Wrap(err, "value")
	}
	if blinding, err = fr.BigEndian.Element((*[fr.Bytes]byte)(plaintext[fr.Bytes:])); err != nil {
		return value, blinding, errors.Wrap(err, "blinding")
	}
	return value, blinding, nil
}

func newGCM(shared, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	return gcm, nil
}

// elementOf converts a non-negative integer below the field modulus.
func elementOf(v *big.Int) (fr.Element, error) {
	var e fr.Element
	if v == nil || v.Sign() < 0 || v.Cmp(fr.Modulus()) >= 0 {
		return e, errors.Errorf("%v is not a field element", v)
	}
	e.SetBigInt(v)
	return e, nil
}
