package endcat

// TokenSealer protects bearer tokens at rest. Seal and Open map the empty
// string to itself so "no token" stays distinguishable from a stored one.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}
