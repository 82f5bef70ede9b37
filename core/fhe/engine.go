package fhe

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
)

// Range proof layout:
//
//	version (1) || min (32) || max (32) || binding (32) || groth16 proof
const (
	proofVersion   = 0x01
	proofHeaderLen = 1 + 3*fr.Bytes
)

// Engine holds the decryption key and the proving system. It is safe for
// concurrent use once built.
type Engine struct {
	key *ecdh.PrivateKey
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

type engineConfig struct {
	key    *ecdh.PrivateKey
	pkPath string
	vkPath string
}

// newEngine compiles the range circuit and either runs a local setup or loads
// keys from disk. Local setup keys are only suitable for development.
func newEngine(cfg engineConfig) (*Engine, error) {
	key := cfg.key
	if key == nil {
		var err error
		if key, err = ecdh.P256().GenerateKey(rand.Reader); err != nil {
			return nil, errors.Wrap(err, "generate engine key")
		}
	}

	var circuit rangeCircuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, errors.Wrap(err, "compile range circuit")
	}

	e := &Engine{key: key, ccs: ccs}
	if cfg.pkPath != "" && cfg.vkPath != "" {
		if e.pk, e.vk, err = loadKeys(cfg.pkPath, cfg.vkPath); err != nil {
			return nil, err
		}
		return e, nil
	}

	if e.pk, e.vk, err = groth16.Setup(ccs); err != nil {
		return nil, errors.Wrap(err, "groth16 setup")
	}
	return e, nil
}

func loadKeys(pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, nil, errors.Wrap(err, "load proving key")
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, nil, errors.Wrap(err, "load verifying key")
	}
	return pk, vk, nil
}

func readKey(path string, dst interface {
	ReadFrom(r io.Reader) (int64, error)
}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = dst.ReadFrom(f)
	return err
}

// ExportKeys writes the proving and verifying keys so another process can
// load them with WithProvingKeys.
func (e *Engine) ExportKeys(pkPath, vkPath string) error {
	if err := writeKey(pkPath, e.pk); err != nil {
		return errors.Wrap(err, "write proving key")
	}
	if err := writeKey(vkPath, e.vk); err != nil {
		return errors.Wrap(err, "write verifying key")
	}
	return nil
}

func writeKey(path string, src interface {
	WriteTo(w io.Writer) (int64, error)
}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := src.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// PublicKey is the key ciphertexts are sealed to.
func (e *Engine) PublicKey() *ecdh.PublicKey { return e.key.PublicKey() }

// encrypt seals wei and proves it lies within bounds. Bounds must already be validated.
func (e *Engine) encrypt(wei *big.Int, bounds types.Bounds) (types.EncryptedValue, types.RangeProof, error) {
	value, err := elementOf(wei)
	if err != nil {
		return nil, nil, errors.Wrap(types.ErrInvalidAmount, err.Error())
	}
	var blinding fr.Element
	if _, err := blinding.SetRandom(); err != nil {
		return nil, nil, errors.Wrap(err, "sample blinding")
	}
	commitment := commit(&value, &blinding)

	ciphertext, err := seal(e.key.PublicKey(), &value, &blinding, &commitment)
	if err != nil {
		return nil, nil, err
	}
	binding := bindingOf(ciphertext)

	assignment := &rangeCircuit{
		Commitment: commitment.BigInt(new(big.Int)),
		Min:        bounds.Min,
		Max:        bounds.Max,
		Binding:    binding.BigInt(new(big.Int)),
		Value:      wei,
		Blinding:   blinding.BigInt(new(big.Int)),
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, errors.Wrap(err, "build witness")
	}
	proof, err := groth16.Prove(e.ccs, e.pk, witness)
	if err != nil {
		return nil, nil, errors.Wrap(err, "prove range")
	}

	var buf bytes.Buffer
	buf.WriteByte(proofVersion)
	buf.Write(padded(bounds.Min))
	buf.Write(padded(bounds.Max))
	bb := binding.Bytes()
	buf.Write(bb[:])
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, nil, errors.Wrap(err, "serialize proof")
	}
	return ciphertext, buf.Bytes(), nil
}

// decrypt opens a ciphertext sealed to this engine.
func (e *Engine) decrypt(ciphertext types.EncryptedValue) (*big.Int, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, errors.Wrap(types.ErrDecryption, err.Error())
	}
	value, blinding, err := env.open(e.key)
	if err != nil {
		return nil, errors.Wrap(types.ErrDecryption, err.Error())
	}
	if c := commit(&value, &blinding); !c.Equal(&env.commitment) {
		return nil, errors.Wrap(types.ErrDecryption, "commitment mismatch")
	}
	return value.BigInt(new(big.Int)), nil
}

// verify checks proof against ciphertext and bounds. It returns an error only
// when ciphertext is structurally invalid.
func (e *Engine) verify(ciphertext types.EncryptedValue, proof types.RangeProof, bounds types.Bounds) (ok bool, err error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return false, errors.Wrap(types.ErrDecryption, err.Error())
	}
	if len(proof) <= proofHeaderLen || proof[0] != proofVersion {
		return false, nil
	}
	if bounds.Validate() != nil || !fitsField(bounds.Min) || !fitsField(bounds.Max) {
		return false, nil
	}
	if !bytes.Equal(proof[1:1+fr.Bytes], padded(bounds.Min)) ||
		!bytes.Equal(proof[1+fr.Bytes:1+2*fr.Bytes], padded(bounds.Max)) {
		return false, nil
	}
	binding := bindingOf(ciphertext)
	bb := binding.Bytes()
	if !bytes.Equal(proof[1+2*fr.Bytes:proofHeaderLen], bb[:]) {
		return false, nil
	}

	// malformed points can panic inside the decoder
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, nil
		}
	}()

	body := proof[proofHeaderLen:]
	p := groth16.NewProof(ecc.BN254)
	n, err := p.ReadFrom(bytes.NewReader(body))
	if err != nil || n != int64(len(body)) {
		return false, nil
	}

	public := &rangeCircuit{
		Commitment: env.commitment.BigInt(new(big.Int)),
		Min:        bounds.Min,
		Max:        bounds.Max,
		Binding:    binding.BigInt(new(big.Int)),
	}
	witness, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, nil
	}
	if err := groth16.Verify(p, e.vk, witness); err != nil {
		return false, nil
	}
	return true, nil
}

// bindingOf is Keccak-256 of the whole envelope, reduced into the field.
func bindingOf(ciphertext []byte) fr.Element {
	var b fr.Element
	b.SetBytes(crypto.Keccak256(ciphertext))
	return b
}

func fitsField(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= valueBits
}

func padded(v *big.Int) []byte {
	return v.FillBytes(make([]byte, fr.Bytes))
}
