// Copyright 2025 The Strata Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

// SilentLogger discards all log output. It is the default logger so that
// strata used as a library produces no output its consumer didn't ask for.
type SilentLogger struct{}

func (SilentLogger) Errorf(format string, args ...interface{}) {}
func (SilentLogger) Error(args ...interface{})                 {}
func (SilentLogger) Warnf(format string, args ...interface{})  {}
func (SilentLogger) Warn(args ...interface{})                  {}
func (SilentLogger) Infof(format string, args ...interface{})  {}
func (SilentLogger) Info(args ...interface{})                  {}
func (SilentLogger) Debugf(format string, args ...interface{}) {}
func (SilentLogger) Debug(args ...interface{})                 {}
