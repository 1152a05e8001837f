package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存代/请求方法/来源字段，供拦截请求日志复用。
func RequestFields(generation, method, url, mode, source string) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"method":     method,
		"url":        url,
		"mode":       mode,
		"source":     source,
	}
}

// GenerationFields 描述一次缓存代级别的操作（安装、清理）。
func GenerationFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}

// ElapsedMillis 返回自 start 起经过的毫秒数。
func ElapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
