package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/pkg/schema"
)

// CryptoTools returns crypto.hash, crypto.hmac and crypto.uuid.
func CryptoTools() []Tool {
	algorithm := map[string]any{"type": "string", "enum": []any{"sha256", "sha384", "sha512", "sha1", "md5"}}
	return []Tool{
		Func("crypto.hash", "Hex digest of a string (default sha256).",
			ObjectSchema(map[string]any{"data": map[string]any{"type": "string"}, "algorithm": algorithm}, "data"),
			cryptoHash),
		Func("crypto.hmac", "Hex HMAC of a string with a key (default sha256).",
			ObjectSchema(map[string]any{"data": map[string]any{"type": "string"}, "key": map[string]any{"type": "string"}, "algorithm": algorithm}, "data", "key"),
			cryptoHMAC),
		Func("crypto.uuid", "Generate a random v4 UUID.", ObjectSchema(map[string]any{}),
			func(context.Context, map[string]any) (any, error) {
				return map[string]any{"uuid": uuid.NewString()}, nil
			}),
	}
}

// RegisterCrypto registers CryptoTools into r.
func RegisterCrypto(r *Registry) error {
	for _, t := range CryptoTools() {
		if err := r.register(t, "builtin"); err != nil {
			return err
		}
	}
	return nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func cryptoHash(_ context.Context, args map[string]any) (any, error) {
	data, _ := args["data"].(string)
	algorithm := stringArg(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))
	return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoHMAC(_ context.Context, args map[string]any) (any, error) {
	data, _ := args["data"].(string)
	key, _ := args["key"].(string)
	algorithm := stringArg(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm}, nil
}
