package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"media-publish-pipeline/types"
)

type fingerprintInput struct {
	Image  string            `json:"image"`
	Audio  string            `json:"audio"`
	Effect string            `json:"effect"`
	Params map[string]string `json:"params,omitempty"`
}

// Fingerprint identifies a render by everything that determines its output:
// both asset hashes, the effect and its parameters. Parameter order does not
// matter; encoding/json writes map keys sorted and quotes every value.
func Fingerprint(imageHash, audioHash string, sel types.EffectSelection) string {
	raw, _ := json.Marshal(fingerprintInput{
		Image:  imageHash,
		Audio:  audioHash,
		Effect: string(sel.Effect),
		Params: sel.Params,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
