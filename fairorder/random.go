package fairorder

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var ErrRandomSource = errors.New("secure random source failed")

// SecureRandom is the injected unbiased randomness capability required by the
// random-fair strategy. Permutation returns the seed the permutation was
// derived from so a commitment can be persisted before positions are revealed.
type SecureRandom interface {
	Permutation(n int) (perm []int, seed []byte, err error)
	Intn(n int) (int, error)
}

// CryptoRandom derives permutations from a fresh crypto/rand seed expanded
// with SHAKE-256. Given the seed, the permutation is reproducible, which makes
// the seed commitment auditable.
type CryptoRandom struct{}

func NewCryptoRandom() *CryptoRandom {
	return &CryptoRandom{}
}

func (r *CryptoRandom) Permutation(n int) ([]int, []byte, error) {
	seed := make([]byte, 32)
	if _, err := crand.Read(seed); err != nil {
		return nil, nil, errors.Join(err, ErrRandomSource)
	}
	perm, err := PermutationFromSeed(seed, n)
	if err != nil {
		return nil, nil, err
	}
	return perm, seed, nil
}

func (r *CryptoRandom) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, ErrRandomSource
	}
	v, err := uniformUint64(crand.Reader, uint64(n))
	if err != nil {
		return 0, errors.Join(err, ErrRandomSource)
	}
	return int(v), nil
}

// PermutationFromSeed expands seed with SHAKE-256 and runs a Fisher-Yates
// shuffle with rejection-sampled indices, so every permutation of [0, n) is
// equally likely for a uniform seed.
func PermutationFromSeed(seed []byte, n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if n < 2 {
		return perm, nil
	}
	shake := sha3.NewShake256()
	_, _ = shake.Write(seed)
	for i := n - 1; i > 0; i-- {
		j, err := uniformUint64(shake, uint64(i+1))
		if err != nil {
			return nil, errors.Join(err, ErrRandomSource)
		}
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

// SeedCommitment is the keccak-256 commitment to a random-fair seed.
func SeedCommitment(seed []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(seed)
	return hexutil.Encode(h.Sum(nil))
}

// uniformUint64 reads uniform values in [0, n) using rejection sampling to
// avoid modulo bias.
func uniformUint64(r io.Reader, n uint64) (uint64, error) {
	max := (^uint64(0) / n) * n
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < max {
			return v % n, nil
		}
	}
}
