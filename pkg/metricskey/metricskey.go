package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMMessagesSent is base for counter metric for total messages sent to LLM
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"engine", "model"},
	}

	StatsLLMBytesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_sent",
		Help:         "stats_llm_bytes_sent provides total bytes sent to LLM",
		RequiredTags: []string{"engine", "model"},
	}

	StatsLLMBytesReceived = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_received",
		Help:         "stats_llm_bytes_received provides total bytes received from LLM",
		RequiredTags: []string{"engine", "model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsBlocked = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_blocked",
		Help:         "stats_tool_calls_blocked provides total tool calls blocked by the guardrail",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsInvalidArgs = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_invalid_args",
		Help:         "stats_tool_calls_invalid_args provides total tool calls rejected on argument validation",
		RequiredTags: []string{"tool"},
	}

	StatsRegistryReconnects = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_registry_reconnects",
		Help:         "stats_registry_reconnects provides total registry reconnect attempts",
		RequiredTags: []string{"registry"},
	}

	StatsRegistryHeartbeatFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_registry_heartbeat_failed",
		Help:         "stats_registry_heartbeat_failed provides total failed registry heartbeats",
		RequiredTags: []string{"registry"},
	}

	StatsCatalogRefreshes = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_catalog_refreshes",
		Help:         "stats_catalog_refreshes provides total tool catalog refreshes",
		RequiredTags: []string{"registry"},
	}

	StatsReflectionSteps = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_reflection_steps",
		Help:         "stats_reflection_steps provides total reflection loop steps executed",
		RequiredTags: []string{"state"},
	}

	StatsPlannerRetries = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_planner_retries",
		Help:         "stats_planner_retries provides total planner retry attempts",
		RequiredTags: []string{"engine"},
	}
)

// Perf
var (
	PerfChatRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_chat_run",
		Help:         "perf_chat_run provides duration of chat run",
		RequiredTags: []string{"user"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfRegistryConnect = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_registry_connect",
		Help:         "perf_registry_connect provides duration of registry connect",
		RequiredTags: []string{"registry"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfChatRun,
	&PerfRegistryConnect,
	&PerfToolCall,
	&StatsCatalogRefreshes,
	&StatsLLMBytesReceived,
	&StatsLLMBytesSent,
	&StatsLLMMessagesSent,
	&StatsPlannerRetries,
	&StatsReflectionSteps,
	&StatsRegistryHeartbeatFailed,
	&StatsRegistryReconnects,
	&StatsToolCallsBlocked,
	&StatsToolCallsFailed,
	&StatsToolCallsInvalidArgs,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
}
