package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// lowBatteryTTL 低电量抑制键的兜底 TTL：
// 设备长时间不再上报时，抑制状态最终自行失效
const lowBatteryTTL = 6 * time.Hour

// BatteryState 低电量报警的抑制状态（Redis）
// 策略：一段连续的低电量区间只报一次。首次低电量 SetNX 占位成功才报警，
// 电量恢复或开始充电时删除占位，下一段低电量区间重新报警
type BatteryState struct {
	redisClient *redis.Client
	keyPrefix   string
}

// NewBatteryState 创建低电量抑制状态管理器
func NewBatteryState(redisClient *redis.Client, keyPrefix string) *BatteryState {
	if keyPrefix == "" {
		keyPrefix = "kidguard:battery:low:"
	}
	return &BatteryState{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
	}
}

func (s *BatteryState) key(deviceID string) string {
	return s.keyPrefix + deviceID
}

// MarkLowBattery 标记设备进入低电量区间
// 返回 true 表示这是本区间的第一次（应当报警）
func (s *BatteryState) MarkLowBattery(ctx context.Context, deviceID string) (bool, error) {
	ok, err := s.redisClient.SetNX(ctx, s.key(deviceID), time.Now().Unix(), lowBatteryTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark low battery state: %w", err)
	}
	return ok, nil
}

// ClearLowBattery 电量恢复 / 开始充电，结束本次低电量区间
func (s *BatteryState) ClearLowBattery(ctx context.Context, deviceID string) error {
	if err := s.redisClient.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to clear low battery state: %w", err)
	}
	return nil
}
