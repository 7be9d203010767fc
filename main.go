package main

import (
	"github.com/ritwikareddykancharla/llm-inference-benchmark/cmd"
)

func main() {
	cmd.Execute()
}
