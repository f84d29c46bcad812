/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package cmd

import (
	"fmt"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(systemCmd)
}

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "print the disciplined system clock's current state",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		obs, err := fetchObservation(server)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("stratum:        %s\n", color.BlueString("%d", obs.Stratum))
		fmt.Printf("leap:           %d\n", obs.Leap)
		fmt.Printf("poll interval:  2^%d seconds\n", obs.PollInterval)
		fmt.Printf("reset epoch:    %d\n", obs.ResetEpoch)
		fmt.Printf("peers observed: %d\n", len(obs.Peers))
	},
}
