package utils

import "github.com/lithammer/shortuuid/v4"

// GenID 生成会话ID
func GenID() string {
	return shortuuid.New()
}

func GenIDWith(prefix string) string {
	return prefix + shortuuid.New()
}
