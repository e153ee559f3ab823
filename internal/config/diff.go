package config

import (
	"reflect"
	"slices"
	"strings"

	"claimbot/pkg/logx"
)

// Reloadable sections applied without a restart. Everything else needs one.
var hotSections = map[string]bool{
	"admins":    true,
	"channels":  true,
	"logging":   true,
	"scheduler": true,
}

// Diff lists the changed top-level sections and safe fields for logging
// (tokens and keys are never included). restart reports whether any changed
// section needs a process restart to take effect.
func Diff(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	note := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
		if !hotSections[name] {
			restart = true
		}
	}

	note("messenger",
		oldCfg.Messenger.Platform != newCfg.Messenger.Platform ||
			oldCfg.Messenger.Token != newCfg.Messenger.Token ||
			oldCfg.Messenger.Timeout != newCfg.Messenger.Timeout,
		logx.String("messenger.platform", newCfg.Messenger.Platform),
		logx.Bool("messenger.token_set", strings.TrimSpace(newCfg.Messenger.Token) != ""),
	)
	note("channels", oldCfg.Channels != newCfg.Channels,
		logx.Bool("channels.results_set", newCfg.Channels.Results != ""),
		logx.Bool("channels.ops_set", newCfg.Channels.Ops != ""),
	)
	note("admins", !slices.Equal(oldCfg.Admins, newCfg.Admins),
		logx.Int("admins.count", len(newCfg.Admins)),
	)
	note("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
	)
	note("claims", oldCfg.Claims != newCfg.Claims,
		logx.Int("claims.workers", newCfg.Claims.Workers),
		logx.String("claims.timeout", newCfg.Claims.Timeout),
	)
	note("browser", !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser))
	note("delivery", oldCfg.Delivery != newCfg.Delivery,
		logx.Int("delivery.workers", newCfg.Delivery.Workers),
	)
	note("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.Int("scheduler.jobs", len(newCfg.Scheduler.Jobs)),
	)
	note("registry", oldCfg.Registry != newCfg.Registry)
	note("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	note("archive", !reflect.DeepEqual(oldCfg.Archive, newCfg.Archive))
	note("api", !reflect.DeepEqual(oldCfg.API, newCfg.API),
		logx.Bool("api.enabled", newCfg.API.Enabled),
		logx.String("api.addr", newCfg.API.Addr),
	)
	note("runtime", oldCfg.Runtime != newCfg.Runtime)
	return changed, attrs, restart
}
