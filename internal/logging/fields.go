package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供应用/逻辑 key/路由策略/命中状态字段，供代理请求日志复用。
func RequestFields(app, method, key, policy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":       app,
		"method":    method,
		"key":       key,
		"policy":    policy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 install/activate 等生命周期阶段，release 为构建版本标识。
func LifecycleFields(app, phase, release string) logrus.Fields {
	return logrus.Fields{
		"app":     app,
		"action":  "lifecycle",
		"phase":   phase,
		"release": release,
	}
}
