package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点、资源类型与命中来源字段，供代理请求日志复用。
func RequestFields(site, domain, resourceType, variant, source string) logrus.Fields {
	return logrus.Fields{
		"site":     site,
		"domain":   domain,
		"type":     resourceType,
		"variant":  variant,
		"source":   source,
		"cacheHit": source != "" && source != "network" && source != "passthrough",
	}
}

// ItemFields 描述一次缓存写入或删除涉及的条目。
func ItemFields(group, itemKey, variant string) logrus.Fields {
	return logrus.Fields{
		"group":   group,
		"itemKey": itemKey,
		"variant": variant,
	}
}
