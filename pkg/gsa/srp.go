package gsa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// GSA speaks SRP-6a over the RFC-5054 2048-bit group with SHA-256,
// with the RFC-5054 padding convention for k and u:
//
//	k = H(N, pad(g))
//	u = H(pad(A), pad(B))
//	x = H(s, H(":", p))
//	M1 = H(H(N) xor H(pad(g)), H(I), s, A, B, K)
//	M2 = H(A, M1, K)
const srpGroup2048 = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

type srpClient struct {
	N *big.Int
	g *big.Int
	n int // size of N in bytes

	a  *big.Int
	xA *big.Int
	k  *big.Int

	sessionKey []byte
	m1         []byte
	m2         []byte
}

func newSRPClient() *srpClient {
	N, ok := big.NewInt(0).SetString(srpGroup2048, 16)
	if !ok {
		panic("srp: bad prime constant")
	}
	c := &srpClient{
		N: N,
		g: big.NewInt(2),
		n: len(N.Bytes()),
	}
	c.a = randBigInt(c.n * 8)
	c.xA = big.NewInt(0).Exp(c.g, c.a, c.N)
	c.k = hashInt(c.N.Bytes(), pad(c.g, c.n))
	return c
}

// A returns the client's public ephemeral value, sent as A2k in the init
// round.
func (c *srpClient) A() []byte {
	return c.xA.Bytes()
}

// hashPassword derives the SRP password input. The s2k protocol feeds the
// raw SHA-256 of the password into PBKDF2; s2k_fo feeds its lowercase hex
// encoding instead.
func hashPassword(password string, salt []byte, iterations int, fullObfuscation bool) []byte {
	digest := sha256.Sum256([]byte(password))
	seed := digest[:]
	if fullObfuscation {
		seed = []byte(hex.EncodeToString(seed))
	}
	return pbkdf2.Key(seed, salt, iterations, sha256.Size, sha256.New)
}

// processChallenge validates the server's public value and computes the
// session key and both proofs.
func (c *srpClient) processChallenge(username string, passkey, salt, serverB []byte) error {
	B := big.NewInt(0).SetBytes(serverB)
	if big.NewInt(0).Mod(B, c.N).Sign() == 0 {
		return fmt.Errorf("srp: invalid server public key")
	}

	u := hashInt(pad(c.xA, c.n), pad(B, c.n))
	if u.Sign() == 0 {
		return fmt.Errorf("srp: invalid scrambling parameter")
	}

	// S = ((B - k*g^x) ^ (a + u*x)) % N
	x := hashInt(salt, hashBytes([]byte(":"), passkey))
	t0 := big.NewInt(0).Exp(c.g, x, c.N)
	t0.Mul(t0, c.k)
	t1 := big.NewInt(0).Sub(B, t0)
	t2 := big.NewInt(0).Add(c.a, big.NewInt(0).Mul(u, x))
	S := big.NewInt(0).Exp(t1, t2, c.N)

	c.sessionKey = hashBytes(S.Bytes())
	c.m1 = hashBytes(
		xorBytes(hashBytes(c.N.Bytes()), hashBytes(pad(c.g, c.n))),
		hashBytes([]byte(username)),
		salt, c.xA.Bytes(), B.Bytes(), c.sessionKey)
	c.m2 = hashBytes(c.xA.Bytes(), c.m1, c.sessionKey)
	return nil
}

// verifyServerProof checks the M2 value returned by the complete round.
func (c *srpClient) verifyServerProof(proof []byte) bool {
	if len(c.m2) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(c.m2, proof) == 1
}

func hashBytes(in ...[]byte) []byte {
	h := sha256.New()
	for _, b := range in {
		h.Write(b)
	}
	return h.Sum(nil)
}

func hashInt(in ...[]byte) *big.Int {
	return big.NewInt(0).SetBytes(hashBytes(in...))
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// pad x to n bytes per RFC-5054
func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	p := make([]byte, n)
	copy(p[n-len(b):], b)
	return p
}

func randBigInt(bits int) *big.Int {
	n := bits / 8
	if bits%8 != 0 {
		n++
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("srp: random source is broken")
	}
	return big.NewInt(0).SetBytes(b)
}
