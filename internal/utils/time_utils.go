package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
)

// 后缀按从长到短匹配, 避免"ms"被当作"s"
var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", time.Hour * 24},
}

// ParseStringTime 解析"500ms", "10s", "20M", "48h", "2d"这样的时间字符串,
// 也接受time.ParseDuration的格式, 解析失败返回0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			break
		}
		return time.Duration(number) * u.unit
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
