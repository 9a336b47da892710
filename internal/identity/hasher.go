package identity

import "golang.org/x/crypto/bcrypt"

// Hasher turns a password into an opaque digest and checks a password
// against one.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) bool
}

// BcryptHasher is the default Hasher. Cost 0 means bcrypt.DefaultCost.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) cost() int {
	if h.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return h.Cost
}

func (h BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost())
	return string(b), err
}

func (h BcryptHasher) Verify(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
