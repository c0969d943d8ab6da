package main

import "github.com/mqttadmin/mosquitto-auth/cmd/mosquitto-auth/cmd"

func main() {
	cmd.Execute()
}
