package main

import "github.com/audiolibrelab/voicerec/cmd"

func main() {
	cmd.Execute()
}
