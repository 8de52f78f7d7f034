package filter_test

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climcp/internal/filter"
	"climcp/internal/host"
)

func cmd(id string) host.Command {
	return host.Command{ID: id, Origin: host.OriginCore}
}

func ids(cmds []host.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.ID)
	}
	return out
}

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunExcludesSelfAndIneligible(t *testing.T) {
	commands := []host.Command{
		cmd("auth:login"),
		cmd("auth:logout"),
		cmd("mcp"),
		{ID: "secret:run", Hidden: true, Origin: host.OriginCore},
		{ID: "plugin:thing", Origin: host.OriginJIT},
		{ID: "optout:cmd", DisableMCP: true, Origin: host.OriginCore},
	}

	cfg, err := filter.Effective(filter.Default(), "", nil)
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	assert.Equal(t, []string{"auth:login", "auth:logout"}, ids(res.Filtered))

	reasons := make(map[string]filter.Reason)
	for _, ex := range res.Excluded {
		reasons[ex.Command.ID] = ex.Reason
	}
	assert.Equal(t, filter.ReasonSelf, reasons["mcp"])
	assert.Equal(t, filter.ReasonHidden, reasons["secret:run"])
	assert.Equal(t, filter.ReasonOrigin, reasons["plugin:thing"])
	assert.Equal(t, filter.ReasonDisabled, reasons["optout:cmd"])
}

func TestRunTopicRules(t *testing.T) {
	commands := []host.Command{
		cmd("auth:login"), cmd("apps:list"), cmd("config:get"),
	}

	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
		TopicsInclude: []string{"auth", "apps"},
		TopicsExclude: []string{"apps"},
	})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	assert.Equal(t, []string{"auth:login"}, ids(res.Filtered))
}

func TestRunWildcardIncludeKeepsEverything(t *testing.T) {
	commands := []host.Command{cmd("auth:login"), cmd("apps:list")}

	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
		TopicsInclude: []string{"*"},
	})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)
	assert.Len(t, res.Filtered, 2)
}

func TestRunCommandPatterns(t *testing.T) {
	commands := []host.Command{
		cmd("auth:login"), cmd("auth:logout"), cmd("apps:destroy"),
	}

	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
		CommandsInclude: []string{"auth:*", "apps:*"},
		CommandsExclude: []string{"*:destroy"},
	})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	assert.Equal(t, []string{"auth:login", "auth:logout"}, ids(res.Filtered))
}

// The filtered count never exceeds maxTools, whatever the strategy.
func TestRunBoundsToolCount(t *testing.T) {
	var commands []host.Command
	for i := 0; i < 30; i++ {
		commands = append(commands, cmd(fmt.Sprintf("t%d:c%d", i%3, i)))
	}

	for _, strategy := range []filter.Strategy{filter.StrategyFirst, filter.StrategyPrioritize, filter.StrategyBalanced} {
		t.Run(string(strategy), func(t *testing.T) {
			max := 7
			cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
				MaxTools: &max,
				Strategy: &strategy,
			})
			require.NoError(t, err)

			res, err := filter.Run(commands, cfg, quiet())
			require.NoError(t, err)
			assert.LessOrEqual(t, len(res.Filtered), max)
			// Partition totality: every command is in exactly one set.
			assert.Equal(t, len(commands), len(res.Filtered)+len(res.Excluded))
		})
	}
}

func TestRunStrategyFirst(t *testing.T) {
	commands := []host.Command{cmd("a:1"), cmd("a:2"), cmd("b:1")}

	max := 2
	strategy := filter.StrategyFirst
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{MaxTools: &max, Strategy: &strategy})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2"}, ids(res.Filtered))
	assert.Equal(t, filter.ReasonOverLimit, res.Excluded[0].Reason)
}

func TestRunStrategyPrioritize(t *testing.T) {
	commands := []host.Command{cmd("apps:list"), cmd("auth:login"), cmd("auth:token"), cmd("config:get")}

	max := 2
	strategy := filter.StrategyPrioritize
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
		MaxTools:         &max,
		Strategy:         &strategy,
		CommandsPriority: []string{"auth:*"},
	})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth:login", "auth:token"}, ids(res.Filtered))
}

func TestRunStrategyPrioritizeFillsFromOthers(t *testing.T) {
	commands := []host.Command{cmd("apps:list"), cmd("auth:login"), cmd("config:get")}

	max := 2
	strategy := filter.StrategyPrioritize
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{
		MaxTools:         &max,
		Strategy:         &strategy,
		CommandsPriority: []string{"auth:*"},
	})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth:login", "apps:list"}, ids(res.Filtered))
}

// Ten commands across two topics with a budget of four keeps two per topic.
func TestRunStrategyBalanced(t *testing.T) {
	var commands []host.Command
	for i := 0; i < 5; i++ {
		commands = append(commands, cmd(fmt.Sprintf("alpha:c%d", i)))
	}
	for i := 0; i < 5; i++ {
		commands = append(commands, cmd(fmt.Sprintf("beta:c%d", i)))
	}

	max := 4
	strategy := filter.StrategyBalanced
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{MaxTools: &max, Strategy: &strategy})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha:c0", "alpha:c1", "beta:c0", "beta:c1"}, ids(res.Filtered))
	assert.Len(t, res.Excluded, 6)
	for _, ex := range res.Excluded {
		assert.Equal(t, filter.ReasonOverLimit, ex.Reason)
	}
}

// The remainder goes to the lexicographically first topics.
func TestRunStrategyBalancedRemainder(t *testing.T) {
	commands := []host.Command{
		cmd("zeta:1"), cmd("zeta:2"),
		cmd("alpha:1"), cmd("alpha:2"),
	}

	max := 3
	strategy := filter.StrategyBalanced
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{MaxTools: &max, Strategy: &strategy})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"zeta:1", "alpha:1", "alpha:2"}, ids(res.Filtered))
}

func TestRunStrategyStrictOverflowFails(t *testing.T) {
	commands := []host.Command{cmd("a:1"), cmd("a:2"), cmd("a:3")}

	max := 2
	strategy := filter.StrategyStrict
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{MaxTools: &max, Strategy: &strategy})
	require.NoError(t, err)

	_, err = filter.Run(commands, cfg, quiet())
	assert.Error(t, err)
}

func TestRunZeroMaxToolsExcludesEverything(t *testing.T) {
	commands := []host.Command{cmd("a:1"), cmd("a:2")}

	max := 0
	strategy := filter.StrategyFirst
	cfg, err := filter.Effective(filter.Default(), "", &filter.Overrides{MaxTools: &max, Strategy: &strategy})
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)
	assert.Empty(t, res.Filtered)
	assert.Len(t, res.Excluded, 2)
}

func TestSummary(t *testing.T) {
	commands := []host.Command{cmd("mcp"), {ID: "x", Hidden: true}, cmd("auth:login")}

	cfg, err := filter.Effective(filter.Default(), "", nil)
	require.NoError(t, err)

	res, err := filter.Run(commands, cfg, quiet())
	require.NoError(t, err)

	counts := res.Summary()
	assert.Equal(t, 1, counts[filter.ReasonSelf])
	assert.Equal(t, 1, counts[filter.ReasonHidden])
}
