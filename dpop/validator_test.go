package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/giantswarm/oauth-core/nonce"
)

// proofOptions shapes a test proof. Zero values produce a valid proof for
// GET https://api.example.com/resource issued now.
type proofOptions struct {
	typ     string
	htm     string
	htu     string
	iat     time.Time
	nonce   string
	omitJTI bool
	omitJWK bool
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, jwk.Key) {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("importing key: %v", err)
	}
	return raw, priv
}

func buildProof(t *testing.T, priv jwk.Key, o proofOptions) string {
	t.Helper()

	if o.typ == "" {
		o.typ = TypeDPoP
	}
	if o.htm == "" {
		o.htm = "GET"
	}
	if o.htu == "" {
		o.htu = "https://api.example.com/resource"
	}
	if o.iat.IsZero() {
		o.iat = time.Now()
	}

	claims := map[string]any{
		"htm": o.htm,
		"htu": o.htu,
		"iat": o.iat.Unix(),
	}
	if !o.omitJTI {
		claims["jti"] = uuid.NewString()
	}
	if o.nonce != "" {
		claims["nonce"] = o.nonce
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshaling claims: %v", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, o.typ); err != nil {
		t.Fatal(err)
	}
	if !o.omitJWK {
		pub, err := priv.PublicKey()
		if err != nil {
			t.Fatalf("deriving public key: %v", err)
		}
		if err := hdrs.Set(jws.JWKKey, pub); err != nil {
			t.Fatal(err)
		}
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, priv, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		t.Fatalf("signing proof: %v", err)
	}
	return string(signed)
}

// staticNonces validates a fixed set of nonce values.
type staticNonces map[string]bool

func (s staticNonces) ValidateNonce(value string) bool { return s[value] }

func TestValidate_ValidProof(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{})
	p, err := v.Validate(proof, "GET", "https://api.example.com/resource")
	if err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if p.Method != "GET" {
		t.Errorf("Method = %q", p.Method)
	}
	if p.URI != "https://api.example.com/resource" {
		t.Errorf("URI = %q", p.URI)
	}
	if p.ID == "" {
		t.Error("ID is empty")
	}
	if p.Thumbprint == "" {
		t.Error("Thumbprint is empty")
	}
	if strings.ContainsAny(p.Thumbprint, "+/=") {
		t.Errorf("Thumbprint %q is not base64url without padding", p.Thumbprint)
	}
}

func TestValidate_ThumbprintStableAcrossProofs(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	first, err := v.Validate(buildProof(t, priv, proofOptions{}), "GET", "https://api.example.com/resource")
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Validate(buildProof(t, priv, proofOptions{}), "GET", "https://api.example.com/resource")
	if err != nil {
		t.Fatal(err)
	}
	if first.Thumbprint != second.Thumbprint {
		t.Errorf("thumbprints differ for the same key: %q vs %q", first.Thumbprint, second.Thumbprint)
	}
}

func TestValidate_EmptyProof(t *testing.T) {
	v := NewValidator(Config{})
	if _, err := v.Validate("", "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(\"\") = %v, want ProofError", err)
	}
}

func TestValidate_OversizedProof(t *testing.T) {
	v := NewValidator(Config{})
	huge := strings.Repeat("a", maxProofSize+1)
	if _, err := v.Validate(huge, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(oversized) = %v, want ProofError", err)
	}
}

func TestValidate_MalformedJWS(t *testing.T) {
	v := NewValidator(Config{})
	if _, err := v.Validate("not.a.jws", "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(malformed) = %v, want ProofError", err)
	}
}

func TestValidate_WrongType(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{typ: "JWT"})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(typ=JWT) = %v, want ProofError", err)
	}
}

func TestValidate_MissingJWKHeader(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{omitJWK: true})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(no jwk) = %v, want ProofError", err)
	}
}

func TestValidate_MissingJTI(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{omitJTI: true})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(no jti) = %v, want ProofError", err)
	}
}

func TestValidate_MethodMismatch(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{htm: "POST"})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(htm mismatch) = %v, want ProofError", err)
	}

	// htm is case-sensitive.
	lower := buildProof(t, priv, proofOptions{htm: "get"})
	if _, err := v.Validate(lower, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(htm case mismatch) = %v, want ProofError", err)
	}
}

func TestValidate_HTUNormalization(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	// Scheme/host case and the request's query string are not significant.
	proof := buildProof(t, priv, proofOptions{htu: "HTTPS://API.Example.com/resource"})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource?page=2"); err != nil {
		t.Errorf("Validate(normalized htu) = %v, want success", err)
	}

	// Path case is significant.
	wrongPath := buildProof(t, priv, proofOptions{htu: "https://api.example.com/Resource"})
	if _, err := v.Validate(wrongPath, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(path case mismatch) = %v, want ProofError", err)
	}
}

func TestValidate_StaleProof(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{MaxProofAge: 60 * time.Second})

	proof := buildProof(t, priv, proofOptions{iat: time.Now().Add(-5 * time.Minute)})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(stale) = %v, want ProofError", err)
	}
}

func TestValidate_FutureProof(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{ClockSkew: 60 * time.Second})

	proof := buildProof(t, priv, proofOptions{iat: time.Now().Add(5 * time.Minute)})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(future) = %v, want ProofError", err)
	}

	// Skew within the window is tolerated.
	skewed := buildProof(t, priv, proofOptions{iat: time.Now().Add(30 * time.Second)})
	if _, err := v.Validate(skewed, "GET", "https://api.example.com/resource"); err != nil {
		t.Errorf("Validate(within skew) = %v, want success", err)
	}
}

func TestValidate_NonceRequired(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{
		RequireNonce: true,
		Nonces:       staticNonces{"server-nonce": true},
	})

	// Missing nonce claim.
	if _, err := v.Validate(buildProof(t, priv, proofOptions{}), "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Error("Validate(no nonce) should fail when a nonce is required")
	}

	// Unknown nonce.
	unknown := buildProof(t, priv, proofOptions{nonce: "stale-nonce"})
	if _, err := v.Validate(unknown, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Error("Validate(unknown nonce) should fail")
	}

	// Known nonce passes and is surfaced on the proof.
	known := buildProof(t, priv, proofOptions{nonce: "server-nonce"})
	p, err := v.Validate(known, "GET", "https://api.example.com/resource")
	if err != nil {
		t.Fatalf("Validate(known nonce) = %v", err)
	}
	if p.Nonce != "server-nonce" {
		t.Errorf("Nonce = %q", p.Nonce)
	}
}

func TestValidate_NonceExpiryWithManager(t *testing.T) {
	_, priv := newTestKey(t)
	m := nonce.NewManager()
	v := NewValidator(Config{RequireNonce: true, Nonces: m})

	m.AddNonce("live-nonce", time.Now().Add(time.Minute))
	proof := buildProof(t, priv, proofOptions{nonce: "live-nonce"})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); err != nil {
		t.Fatalf("Validate(live nonce) = %v", err)
	}

	// A proof carrying a nonce whose entry has expired is refused even
	// though everything else about it is valid.
	m.AddNonce("dead-nonce", time.Now().Add(-time.Minute))
	replay := buildProof(t, priv, proofOptions{nonce: "dead-nonce"})
	if _, err := v.Validate(replay, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(expired nonce) = %v, want ProofError", err)
	}
}

func TestValidate_NonceIgnoredWhenNotRequired(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{nonce: "whatever"})
	if _, err := v.Validate(proof, "GET", "https://api.example.com/resource"); err != nil {
		t.Errorf("Validate() = %v, want success without nonce enforcement", err)
	}
}

func TestValidate_TamperedSignature(t *testing.T) {
	_, priv := newTestKey(t)
	v := NewValidator(Config{})

	proof := buildProof(t, priv, proofOptions{})
	// Flip a character in the signature segment.
	i := strings.LastIndex(proof, ".") + 1
	c := byte('A')
	if proof[i] == 'A' {
		c = 'B'
	}
	tampered := proof[:i] + string(c) + proof[i+1:]
	if _, err := v.Validate(tampered, "GET", "https://api.example.com/resource"); !isProofError(err) {
		t.Errorf("Validate(tampered) = %v, want ProofError", err)
	}
}

func TestNormalizeHTU(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://API.Example.com/path?x=1#frag", "https://api.example.com/path", false},
		{"HTTPS://api.example.com/Path", "https://api.example.com/Path", false},
		{"/relative/path", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeHTU(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeHTU(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeHTU(%q) = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeHTU(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func isProofError(err error) bool {
	var pe *ProofError
	return errors.As(err, &pe)
}
