package sign

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// encodedPubPoly is the wire form of a threshold public key.
type encodedPubPoly struct {
	Base    []byte
	Commits [][]byte
}

// encodedPriShare is the wire form of a threshold key share.
type encodedPriShare struct {
	I int
	V []byte
}

// GenTSKeys generates n key shares of a (t, n) threshold BLS key
// together with the public polynomial used to verify shares and signatures.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial signs msg with a key share. The result carries the share index.
func SignTSPartial(privateKey *share.PriShare, msg []byte) []byte {
	sig, err := tbls.Sign(suite, privateKey, msg)
	if err != nil {
		panic(err)
	}
	return sig
}

// VerifyTSPartial checks a signature share against the public polynomial.
func VerifyTSPartial(publicKey *share.PubPoly, msg []byte, partialSig []byte) error {
	return tbls.Verify(suite, publicKey, msg, partialSig)
}

// PartialIndex returns the key share index a signature share was produced with.
func PartialIndex(partialSig []byte) (int, error) {
	return tbls.SigShare(partialSig).Index()
}

// AssembleIntactTSPartial merges t valid shares into the full threshold signature.
func AssembleIntactTSPartial(partialSigs [][]byte, publicKey *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	sig, err := tbls.Recover(suite, publicKey, msg, partialSigs, t, n)
	if err != nil {
		return nil, errors.Wrap(err, "recover threshold signature")
	}
	return sig, nil
}

// VerifyTS verifies a merged threshold signature.
func VerifyTS(publicKey *share.PubPoly, msg []byte, sig []byte) (bool, error) {
	if err := bls.Verify(suite, publicKey.Commit(), msg, sig); err != nil {
		return false, err
	}
	return true, nil
}

// EncodeTSPublicKey serializes the public polynomial.
func EncodeTSPublicKey(publicKey *share.PubPoly) ([]byte, error) {
	base, commits := publicKey.Info()
	enc := encodedPubPoly{Commits: make([][]byte, len(commits))}
	var err error
	if enc.Base, err = base.MarshalBinary(); err != nil {
		return nil, err
	}
	for i, c := range commits {
		if enc.Commits[i], err = c.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(enc); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	var enc encodedPubPoly
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&enc); err != nil {
		return nil, errors.Wrap(err, "decode threshold public key")
	}
	base := suite.G2().Point()
	if err := base.UnmarshalBinary(enc.Base); err != nil {
		return nil, errors.Wrap(err, "decode base point")
	}
	commits := make([]kyber.Point, len(enc.Commits))
	for i, c := range enc.Commits {
		commits[i] = suite.G2().Point()
		if err := commits[i].UnmarshalBinary(c); err != nil {
			return nil, errors.Wrapf(err, "decode commit %d", i)
		}
	}
	return share.NewPubPoly(suite.G2(), base, commits), nil
}

// EncodeTSPartialKey serializes a key share.
func EncodeTSPartialKey(privateKey *share.PriShare) ([]byte, error) {
	v, err := privateKey.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(encodedPriShare{I: privateKey.I, V: v}); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	var enc encodedPriShare
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&enc); err != nil {
		return nil, errors.Wrap(err, "decode threshold key share")
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(enc.V); err != nil {
		return nil, errors.Wrap(err, "decode share scalar")
	}
	return &share.PriShare{I: enc.I, V: v}, nil
}
