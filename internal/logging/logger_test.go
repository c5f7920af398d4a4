/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/suite"
)

type LoggerTestSuite struct {
	suite.Suite
	saved Level
	out   *bytes.Buffer
	log   logr.Logger
}

func (s *LoggerTestSuite) SetupTest() {
	s.saved = CurrentLevel()
	s.out = &bytes.Buffer{}
	s.log = New("test", s.out)
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLevel(s.saved)
}

func (s *LoggerTestSuite) TestLevels() {
	SetLevel(LevelTrace)
	s.log.Info("info msg", "k", "v")
	s.log.V(1).Info("debug msg")
	s.log.V(2).Info("trace msg")
	s.log.Error(nil, "warn msg")
	s.log.Error(errors.New("boom"), "error msg")

	lines := strings.Split(strings.TrimSpace(s.out.String()), "\n")
	s.Require().Len(lines, 5)
	s.Contains(lines[0], "Info")
	s.Contains(lines[0], `k="v"`)
	s.Contains(lines[1], "Debug")
	s.Contains(lines[2], "Trace")
	s.Contains(lines[3], "Warn")
	s.Contains(lines[4], "Error")
	s.Contains(lines[4], `error="boom"`)
	s.Contains(lines[0], "logger_test.go:")
}

func (s *LoggerTestSuite) TestDefaultLevelFilters() {
	SetLevel(LevelWarn)
	s.log.Info("hidden")
	s.log.V(1).Info("hidden")
	s.log.Error(nil, "shown")
	s.Equal(1, strings.Count(s.out.String(), "\n"))

	SetLevel(LevelNoPrint)
	s.log.Error(errors.New("x"), "hidden")
	s.Equal(1, strings.Count(s.out.String(), "\n"))
}

func (s *LoggerTestSuite) TestNamesAndValues() {
	SetLevel(LevelInfo)
	s.log.WithName("registry").WithValues("region", "state").Info("attached")
	s.Contains(s.out.String(), "test/registry")
	s.Contains(s.out.String(), `region="state"`)
}

func (s *LoggerTestSuite) TestParseLevel() {
	l, err := ParseLevel("debug")
	s.Require().NoError(err)
	s.Equal(LevelDebug, l)
	l, err = ParseLevel("4")
	s.Require().NoError(err)
	s.Equal(LevelError, l)
	_, err = ParseLevel("9")
	s.Error(err)
	_, err = ParseLevel("loud")
	s.Error(err)
}

func (s *LoggerTestSuite) TestOrDefault() {
	s.NotNil(OrDefault(logr.Logger{}).GetSink())
	s.Equal(s.log, OrDefault(s.log))
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
