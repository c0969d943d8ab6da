package cmd

import (
	"fmt"
	"io"
)

const banner = `
                                _ _   _                       _   _
  _ __ ___   ___  ___  __ _ _  (_) |_| |_ ___     __ _ _   _| |_| |__
 | '_ ` + "`" + ` _ \ / _ \/ __|/ _` + "`" + ` | | | | | __| __/ _ \   / _` + "`" + ` | | | | __| '_ \
 | | | | | | (_) \__ \ (_| | |_| | | |_| || (_) | | (_| | |_| | |_| | | |
 |_| |_| |_|\___/|___/\__, |\__,_|_|\__|\__\___/   \__,_|\__,_|\__|_| |_|
                         |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Mosquitto Identity Manager - Version %s\x1b[0m\n\n", Version)
}
