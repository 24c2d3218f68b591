/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package deploy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotDeploy is returned when the slash command is not /deploy.
var ErrNotDeploy = errors.New("command is not /deploy")

// ErrMalformed is returned when the command text is not exactly
// "<app> <environment>".
var ErrMalformed = errors.New("malformed command: expected \"<app> <environment>\"")

// AppNotFoundError means no app in the command's workspace matched.
// Apps in other workspaces are deliberately not mentioned.
type AppNotFoundError struct {
	App string
}

func (e *AppNotFoundError) Error() string {
	return fmt.Sprintf("no app named %q", e.App)
}

// EnvNotFoundError means the matched app has no environment of that
// name listing the initiating user. The two cases are indistinguishable
// on purpose.
type EnvNotFoundError struct {
	App string
	Env string
}

func (e *EnvNotFoundError) Error() string {
	return fmt.Sprintf("app %q has no environment named %q you may deploy", e.App, e.Env)
}

// Command is a parsed, well-formed deploy slash command.
type Command struct {
	// AppName is the first argument.
	AppName string `json:"app_name"`
	// EnvName is the second argument.
	EnvName string `json:"env_name"`
	// UserID is the user who issued the command.
	UserID string `json:"user_id"`
	// TeamID is the workspace the command was issued in.
	TeamID string `json:"team_id"`
}

// ParseCommand validates the raw slash command fields. The command must
// be /deploy and its text exactly two words.
func ParseCommand(command, text, userID, teamID string) (Command, error) {
	if command != "/deploy" {
		return Command{}, ErrNotDeploy
	}
	args := strings.Split(text, " ")
	if len(args) != 2 {
		return Command{}, ErrMalformed
	}
	return Command{
		AppName: args[0],
		EnvName: args[1],
		UserID:  userID,
		TeamID:  teamID,
	}, nil
}

// SameTarget reports whether two commands name the same app and
// environment in the same workspace, using the loose matching the
// catalog lookup uses.
func (c Command) SameTarget(o Command) bool {
	return c.TeamID == o.TeamID && nameEq(c.AppName, o.AppName) && nameEq(c.EnvName, o.EnvName)
}

// FindApp resolves the command against the catalog. The app must exist
// in the command's workspace and carry an environment matching the
// command that lists the initiating user.
func (c Command) FindApp(reader Reader) (App, error) {
	apps, err := reader.Read()
	if err != nil {
		return App{}, fmt.Errorf("reading deployables: %w", err)
	}

	var app *App
	for i := range apps {
		if apps[i].TeamID == c.TeamID && apps[i].NameMatches(c.AppName) {
			app = &apps[i]
			break
		}
	}
	if app == nil {
		return App{}, &AppNotFoundError{App: c.AppName}
	}

	for _, repo := range app.Repos {
		env, ok := repo.Environment(c.EnvName)
		if !ok {
			continue
		}
		for _, p := range env.Users {
			if !p.IsGroup() && p.UserID == c.UserID {
				return *app, nil
			}
		}
	}
	return App{}, &EnvNotFoundError{App: c.AppName, Env: c.EnvName}
}
