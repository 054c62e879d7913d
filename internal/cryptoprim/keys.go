package cryptoprim

// Keys holds the three build-time-embedded keys named in spec.md §4.3: the
// pre-shared MAC key, the pre-shared symmetric firmware key, and the
// firmware signer's public key. Production builds embed these as read-only
// byte arrays baked in at compile time (e.g. via a linker-supplied build tag
// file); this package only defines the shape, never a real secret.
type Keys struct {
	MACKey       [32]byte
	FirmwareKey  [32]byte
	SignerPublic []byte // DER-encoded RSA-2048 public key
}
