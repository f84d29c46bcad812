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
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list peer associations and their current reachability/offset",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		obs, err := fetchObservation(server)
		if err != nil {
			log.Fatal(err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetColWidth(20)
		table.SetHeader([]string{"index", "address", "reach", "stratum", "offset", "delay", "jitter"})
		for _, p := range obs.Peers {
			reachStr := fmt.Sprintf("%08b", p.Snapshot.Reach)
			if p.Snapshot.Reach == 0 {
				reachStr = color.RedString(reachStr)
			} else if p.Snapshot.Reach != 0xff {
				reachStr = color.YellowString(reachStr)
			} else {
				reachStr = color.GreenString(reachStr)
			}

			table.Append([]string{
				fmt.Sprintf("%d", p.Index),
				color.BlueString(p.Address),
				reachStr,
				fmt.Sprintf("%d", p.Snapshot.Stratum),
				fracSecondsString(p.Snapshot.Offset),
				fracSecondsString(p.Snapshot.Delay),
				fracSecondsString(p.Snapshot.Jitter),
			})
		}
		table.Render()
	},
}

// fracSecondsString renders a 32.32 fixed-point NtpDuration (carried
// over the wire as a plain int64) as milliseconds.
func fracSecondsString(raw int64) string {
	seconds := float64(raw) / float64(int64(1)<<32)
	return fmt.Sprintf("%.3fms", seconds*float64(time.Second/time.Millisecond))
}
