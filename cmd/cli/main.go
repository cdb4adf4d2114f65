package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"connectorhub/cmd/cli/command"
)

// 打印欢迎信息
func printWelcomeMessage() {
	fmt.Println("Welcome to the connectorhub CLI REPL! Type 'exit' to quit.")
	fmt.Println("Type 'help' to see the list of available commands.")
}

func main() {
	// 带参数时直接执行一次命令
	if len(os.Args) > 1 {
		if err := command.NewRootCommand().Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	printWelcomeMessage()
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if strings.ToLower(input) == "exit" {
			fmt.Println("Exiting ...")
			break
		}
		args := strings.Fields(input)
		if len(args) == 0 {
			continue
		}
		// 每次重新创建命令，避免上一次的 flag 残留
		rootCmd := command.NewRootCommand()
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}
