package queue

import (
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestIgnoreDuplicate(t *testing.T) {
	require.NoError(t, ignoreDuplicate(nil))
	require.NoError(t, ignoreDuplicate(asynq.ErrTaskIDConflict))

	// 包装过的冲突错误同样视为去重命中
	wrapped := fmt.Errorf("入队失败: %w", asynq.ErrTaskIDConflict)
	require.NoError(t, ignoreDuplicate(wrapped))

	other := fmt.Errorf("redis 不可达")
	require.Equal(t, other, ignoreDuplicate(other))
}
