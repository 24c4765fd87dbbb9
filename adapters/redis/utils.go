package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// PayloadField 是訊息中存放序列化資料的欄位
const PayloadField = "data"

var (
	ErrPointerType = errors.New("pointer type is not allowed")
	ErrNoPayload   = errors.New("payload field not found or invalid type")
)

// DefaultParseToMessage 將struct以 msgpack + base64 編碼後放入 data 欄位
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	// 檢查是否為指標類型
	if t := reflect.TypeOf(data); t == nil || t.Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		PayloadField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// ParseToMessageWithFields 在 data 欄位之外加上可讀的欄位，方便直接檢視 stream 或死信佇列
// 額外欄位不能覆蓋 data 欄位
func ParseToMessageWithFields[T any](fields func(T) map[string]any) func(T) (map[string]any, error) {
	return func(data T) (map[string]any, error) {
		message, err := DefaultParseToMessage(data)
		if err != nil {
			return nil, err
		}
		for key, value := range fields(data) {
			if key == PayloadField {
				continue
			}
			message[key] = value
		}
		return message, nil
	}
}

// DefaultParseFromMessage 將 data 欄位還原為struct，其他欄位會被忽略
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if t := reflect.TypeOf(result); t != nil && t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(message) == 0 {
		return result, nil
	}

	var encoded string
	switch v := message[PayloadField].(type) {
	case string:
		encoded = v
	case []byte:
		encoded = string(v)
	default:
		return result, ErrNoPayload
	}

	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
