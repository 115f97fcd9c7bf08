//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentArchiveDefaults(t *testing.T) {
	os.Clearenv()
	conf := Config{}
	require.Nil(t, FromEnv(&conf))

	assert.False(t, conf.Archive.LoadCachedCode)
	assert.False(t, conf.Archive.StoreCachedCode)
	assert.Equal(t, DefaultArchivePath, conf.Archive.Path)
	assert.Equal(t, DefaultMaxSize, conf.Archive.MaxSize)
	assert.Equal(t, DefaultPreloadWorkers, conf.Archive.PreloadWorkers)
	assert.Equal(t, DefaultCloseTimeout, conf.Archive.CloseTimeout)
	assert.Nil(t, conf.Archive.PreloadExclude)
}

func TestEnvironmentArchive(t *testing.T) {
	os.Clearenv()
	t.Setenv("CODE_ARCHIVE_LOAD", "true")
	t.Setenv("CODE_ARCHIVE_STORE", "on")
	t.Setenv("CODE_ARCHIVE_PATH", "/tmp/app.archive")
	t.Setenv("CODE_ARCHIVE_MAX_SIZE", "1048576")
	t.Setenv("CODE_ARCHIVE_PRELOAD_START", "10")
	t.Setenv("CODE_ARCHIVE_PRELOAD_STOP", "20")
	t.Setenv("CODE_ARCHIVE_PRELOAD_EXCLUDE", "a.B.run()V, hashCode ,,")
	t.Setenv("CODE_ARCHIVE_PRELOAD_WORKERS", "4")
	t.Setenv("CODE_ARCHIVE_VERIFY", "1")
	t.Setenv("CODE_ARCHIVE_CLOSE_TIMEOUT", "5s")

	conf := Config{}
	require.Nil(t, FromEnv(&conf))

	assert.Equal(t, Archive{
		LoadCachedCode:  true,
		StoreCachedCode: true,
		Path:            "/tmp/app.archive",
		MaxSize:         1048576,
		PreloadStart:    10,
		PreloadStop:     20,
		PreloadExclude:  []string{"a.B.run()V", "hashCode"},
		PreloadWorkers:  4,
		Verify:          true,
		CloseTimeout:    5 * time.Second,
	}, conf.Archive)
	require.Nil(t, conf.Validate())
}

func TestEnvironmentRespectsConfigFileValues(t *testing.T) {
	os.Clearenv()
	conf := Config{Archive: Archive{
		StoreCachedCode: true,
		Path:            "from-file.archive",
		MaxSize:         MinMaxSize,
		PreloadWorkers:  3,
	}}
	t.Setenv("CODE_ARCHIVE_STORE", "false")
	require.Nil(t, FromEnv(&conf))

	assert.False(t, conf.Archive.StoreCachedCode)
	assert.Equal(t, "from-file.archive", conf.Archive.Path)
	assert.Equal(t, MinMaxSize, conf.Archive.MaxSize)
	assert.Equal(t, 3, conf.Archive.PreloadWorkers)
}

func TestEnvironmentInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"max size not parsable", "CODE_ARCHIVE_MAX_SIZE", "ten"},
		{"max size zero", "CODE_ARCHIVE_MAX_SIZE", "0"},
		{"negative preload start", "CODE_ARCHIVE_PRELOAD_START", "-1"},
		{"preload stop not parsable", "CODE_ARCHIVE_PRELOAD_STOP", "x"},
		{"no workers", "CODE_ARCHIVE_PRELOAD_WORKERS", "0"},
		{"bad timeout", "CODE_ARCHIVE_CLOSE_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			t.Setenv(tt.env, tt.value)
			conf := Config{}
			require.NotNil(t, FromEnv(&conf))
		})
	}
}
