package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanerRunsInOrder(t *testing.T) {
	cleaner := NewCleaner()
	var order []int
	boom := errors.New("boom")

	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	}))
	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, 2)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("清理函数应带有超时")
		}
		return boom
	}))
	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, 3)
		return nil
	}))

	errs := cleaner.Clean()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, []error{boom}, errs)

	// 清理开始后不再接受新的动作, 重复调用不会再次执行
	cleaner.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, 4)
		return nil
	}))
	assert.Empty(t, cleaner.Clean())
	assert.Equal(t, []int{1, 2, 3}, order)
}
