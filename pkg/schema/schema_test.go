package schema

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fallen/freebackup/pkg/source"
	"github.com/fallen/freebackup/pkg/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCreate(t *testing.T) {
	assert.Equal(t,
		"CREATE TABLE `wp_old` (\n  `id` int(11)\n) ENGINE=MyISAM",
		NormalizeCreate("CREATE TABLE `wp_old` (\n  `id` int(11)\n) TYPE=MyISAM", "wp_old", "wp_old"))

	assert.Equal(t,
		"CREATE TABLE `t` (\n  `id` int\n) ENGINE=MyISAM DEFAULT CHARSET=latin1",
		NormalizeCreate("CREATE TABLE `t` (\n  `id` int\n) ENGINE=MyISAM PAGE_CHECKSUM=1 DEFAULT CHARSET=latin1", "t", ""))

	aria := "CREATE TABLE `t` (\n  `id` int\n) ENGINE=Aria PAGE_CHECKSUM=1"
	assert.Equal(t, aria, NormalizeCreate(aria, "t", "t"), "only MyISAM tables lose PAGE_CHECKSUM")

	assert.Equal(t,
		"CREATE TABLE `wp_posts` (\n  `WP_posts_id` int\n) ENGINE=InnoDB",
		NormalizeCreate("CREATE TABLE `WP_posts` (\n  `WP_posts_id` int\n) ENGINE=InnoDB", "WP_posts", "wp_posts"))
}

func triggerSource() *test.Source {
	src := test.NewSource("wordpress")
	src.AddTable(&test.Table{Name: "wp_posts", Columns: []source.Column{{Name: "ID", Type: "bigint"}}, Triggers: []source.Trigger{
		{Name: "posts_bi", Timing: "BEFORE", Event: "INSERT", Table: "wp_posts", Statement: "SET NEW.post_title = TRIM(NEW.post_title)"},
		{Name: "posts_au", Timing: "AFTER", Event: "UPDATE", Table: "wp_posts", Statement: "BEGIN\n  INSERT INTO audit VALUES (NEW.ID);\nEND"},
	}})
	src.AddTable(&test.Table{Name: "wp_users", Columns: []source.Column{{Name: "ID", Type: "bigint"}}})

	return src
}

func TestWriteTriggers(t *testing.T) {
	e := NewExporter(triggerSource(), logrus.New())
	var out bytes.Buffer
	warnings, err := e.WriteTriggers(context.Background(), &out, []TableRef{{Name: "wp_posts", DumpAs: "wp_posts"}, {Name: "wp_users"}})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	want := "DELIMITER ;;\n\n" +
		"\n\n# Triggers of `wp_posts`\n\n" +
		"DROP TRIGGER IF EXISTS `posts_bi`;;\n" +
		"CREATE TRIGGER `posts_bi` BEFORE INSERT ON `wp_posts` FOR EACH ROW SET NEW.post_title = TRIM(NEW.post_title);;\n\n" +
		"DROP TRIGGER IF EXISTS `posts_au`;;\n" +
		"CREATE TRIGGER `posts_au` AFTER UPDATE ON `wp_posts` FOR EACH ROW BEGIN\n  INSERT INTO audit VALUES (NEW.ID);\nEND;;\n\n" +
		"DELIMITER ;\n\n"
	assert.Equal(t, want, out.String())
}

func TestWriteTriggersWithoutTriggersWritesNothing(t *testing.T) {
	src := triggerSource()
	src.FailTriggers["wp_posts"] = errors.New("TRIGGER command denied")
	e := NewExporter(src, logrus.New())
	var out bytes.Buffer
	warnings, err := e.WriteTriggers(context.Background(), &out, []TableRef{{Name: "wp_posts"}, {Name: "wp_users"}})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.Empty(t, out.String())
}

func TestWriteRoutines(t *testing.T) {
	src := test.NewSource("wordpress")
	src.StoredRoutines = []source.Routine{
		{Name: "post_count", Type: source.Function},
		{Name: "hidden", Type: source.Function},
		{Name: "purge_spam", Type: source.Procedure},
	}
	src.Definitions["post_count"] = "CREATE DEFINER=`root`@`localhost` FUNCTION `post_count`() RETURNS int\nRETURN (SELECT COUNT(*) FROM wp_posts)"
	src.Definitions["purge_spam"] = "CREATE DEFINER=`root`@`localhost` PROCEDURE `purge_spam`()\nBEGIN\n  DELETE FROM wp_comments WHERE comment_approved = 'spam';\nEND"
	src.FailDefinition["hidden"] = errors.New("no definition visible")

	e := NewExporter(src, logrus.New())
	var out bytes.Buffer
	warnings, err := e.WriteRoutines(context.Background(), &out)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "FUNCTION hidden")

	want := "\n\n# Dumping routines for database `wordpress`\n\n" +
		"DELIMITER ;;\n\n" +
		"DROP FUNCTION IF EXISTS `post_count`;;\n\n" +
		src.Definitions["post_count"] + "\n\n;;\n\n" +
		"DROP PROCEDURE IF EXISTS `purge_spam`;;\n\n" +
		src.Definitions["purge_spam"] + "\n\n;;\n\n" +
		"DELIMITER ;\n\n"
	assert.Equal(t, want, out.String())
}

func TestWriteRoutinesListingFailureIsAWarning(t *testing.T) {
	src := test.NewSource("wordpress")
	src.FailRoutines = errors.New("SELECT command denied")
	var out bytes.Buffer
	warnings, err := NewExporter(src, logrus.New()).WriteRoutines(context.Background(), &out)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.Empty(t, out.String())
}
