package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcward/scene/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	resetCommandState(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	require.NoError(t, os.Setenv("SCENE_DATABASE_TYPE", "sqlite"))
	require.NoError(t, os.Setenv("SCENE_DATABASE", dbPath))
	require.NoError(t, os.Setenv("SCENE_DATABASE_LOG_LEVEL", "ERROR"))

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Database ready (sqlite): 0 guild configurations.")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, db.Migrator().HasTable(&scene.GuildPolicyDocument{}))

	// running it again against a populated database reports the count
	require.NoError(
		t,
		db.Create(&scene.GuildPolicyDocument{GuildID: 42, AutoMagnitudeConfig: "Auto"}).Error,
	)
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Database ready (sqlite): 1 guild configurations.")
}
