package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReconnectDelay: пауза перед повторной подпиской после обрыва.
var ReconnectDelay = time.Second

// ListenResilient: универсальный цикл "живучей" подписки на сигналы Redis.
// onReconnect вызывается при каждом успешном коннекте (синхронизация пропущенного),
// onMessage получает сырой payload. Возвращается при отмене ctx.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(payload string),
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			sleepCtx(ctx, 5*ReconnectDelay)
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		sleepCtx(ctx, ReconnectDelay)
	}
}

// SplitSignal разбирает сигнал формата "id:value". Режем по последнему ':',
// чтобы id мог содержать двоеточия.
func SplitSignal(payload string) (id, value string, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", "", false
	}
	return payload[:i], payload[i+1:], true
}

// WarmupSet: прогрев L1 (RAM) и L2 (Redis set) из источника истины.
func WarmupSet(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	// 1. Локальный кэш
	updateL1(ids)

	// 2. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	// 3. Проверка наполненности Redis
	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}

	// 4. Если Redis пуст, а данные в БД есть, заливаем
	if count == 0 && len(ids) > 0 {
		logger.Info("redis set is empty, performing warm-up from DB",
			zap.String("key", redisKey), zap.Int("count", len(ids)))

		pipe := rdb.Pipeline()
		for _, id := range ids {
			pipe.SAdd(ctx, redisKey, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
