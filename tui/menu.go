/*
 * Copyright (c) 2024 the ubuntu-zfs-root authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tui collects operator input through modal forms and renders
// pipeline progress. It holds no installation logic of its own.
package tui

import (
	"github.com/charmbracelet/huh"
)

// Action is the operator's choice from the main menu.
type Action int

const (
	ActionConfigure Action = iota
	ActionInstall
	ActionReset
	ActionQuit
)

// MainMenu shows the top-level menu and returns the selected action.
func MainMenu() (Action, error) {
	action := ActionConfigure
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Action]().
				Title("Ubuntu ZFS Root Installer").
				Options(
					huh.NewOption("Configure installation", ActionConfigure),
					huh.NewOption("Start installation", ActionInstall),
					huh.NewOption("Reset disk", ActionReset),
					huh.NewOption("Quit", ActionQuit),
				).
				Value(&action),
		),
	).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil {
		return ActionQuit, err
	}
	return action, nil
}

// ConfirmReset asks before the destructive disk unwind.
func ConfirmReset(disk string) (bool, error) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Reset " + disk + "?").
				Description("All partitions, pool labels and data on the disk will be destroyed.").
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
