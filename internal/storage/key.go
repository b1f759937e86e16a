package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// maxPlainKeyLen 以上的字符串键改为摘要形式，避免后端键长度失控。
const maxPlainKeyLen = 200

// Digest 返回数据的 blake3 十六进制摘要，长度固定为 64。
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FormatKey 将任意键规范化为 "<namespace>:<key>"。
// 标量直接使用字面值，非标量通过 JSON 序列化后取摘要；空值或假值返回 InvalidKey。
func FormatKey(namespace string, key any) (string, error) {
	raw, err := keyString(key)
	if err != nil {
		return "", err
	}
	if namespace == "" {
		return raw, nil
	}
	return namespace + ":" + raw, nil
}

func keyString(key any) (string, error) {
	switch v := key.(type) {
	case nil:
		return "", newError(KindInvalidKey, "", fmt.Errorf("nil key"))
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return "", newError(KindInvalidKey, v, fmt.Errorf("empty key"))
		}
		if len(trimmed) > maxPlainKeyLen {
			return Digest([]byte(trimmed)), nil
		}
		return trimmed, nil
	case []byte:
		if len(v) == 0 {
			return "", newError(KindInvalidKey, "", fmt.Errorf("empty key"))
		}
		return Digest(v), nil
	case bool:
		if !v {
			return "", newError(KindInvalidKey, "false", fmt.Errorf("falsy key"))
		}
		return "true", nil
	case int:
		return intKey(int64(v))
	case int64:
		return intKey(v)
	case int32:
		return intKey(int64(v))
	case uint:
		return intKey(int64(v))
	case uint64:
		if v == 0 {
			return "", newError(KindInvalidKey, "0", fmt.Errorf("falsy key"))
		}
		return strconv.FormatUint(v, 10), nil
	case fmt.Stringer:
		return keyString(v.String())
	}

	encoded, err := json.Marshal(key)
	if err != nil {
		return "", newError(KindInvalidKey, fmt.Sprintf("%T", key), err)
	}
	switch string(encoded) {
	case "null", "{}", "[]", `""`:
		return "", newError(KindInvalidKey, string(encoded), fmt.Errorf("empty key"))
	}
	return Digest(encoded), nil
}

func intKey(v int64) (string, error) {
	if v == 0 {
		return "", newError(KindInvalidKey, "0", fmt.Errorf("falsy key"))
	}
	return strconv.FormatInt(v, 10), nil
}
