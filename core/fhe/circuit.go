package fhe

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/frontend"
	stdmimc "github.com/consensys/gnark/std/hash/mimc"
)

// valueBits caps the hidden value. 2^128 wei is far above any bid bound.
const valueBits = 128

// rangeCircuit proves knowledge of (Value, Blinding) such that
// MiMC(Value, Blinding) == Commitment and Min <= Value <= Max.
// Binding ties the proof to one ciphertext; it is constrained so that the
// verifier rejects any other value.
type rangeCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	Min        frontend.Variable `gnark:",public"`
	Max        frontend.Variable `gnark:",public"`
	Binding    frontend.Variable `gnark:",public"`

	Value    frontend.Variable
	Blinding frontend.Variable
}

func (c *rangeCircuit) Define(api frontend.API) error {
	hasher, err := stdmimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Value, c.Blinding)
	api.AssertIsEqual(c.Commitment, hasher.Sum())

	api.ToBinary(c.Value, valueBits)
	api.AssertIsLessOrEqual(c.Min, c.Value)
	api.AssertIsLessOrEqual(c.Value, c.Max)

	// A public input that appears in no constraint is not bound by the proof.
	api.Mul(c.Binding, c.Binding)
	return nil
}

// commit computes MiMC(value, blinding) natively.
func commit(value, blinding *fr.Element) fr.Element {
	h := mimc.NewMiMC()
	vb, bb := value.Bytes(), blinding.Bytes()
	// canonical field elements never fail to write
	_, _ = h.Write(vb[:])
	_, _ = h.Write(bb[:])

	var c fr.Element
	c.SetBytes(h.Sum(nil))
	return c
}
