package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/client"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
)

var (
	chatAPIKey    string
	chatModel     string
	chatStreaming bool
	chatVerbose   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive generation session",
	Long: `Start an interactive session against a running flow-proxy server.
Each prompt produces a markdown link to the generated image or video.
Image prompts reuse the last generated image as a reference, so follow-up
prompts edit the previous result.`,
	Run: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatAPIKey, "api-key", "", "API key for the /v1 endpoints")
	chatCmd.Flags().StringVar(&chatModel, "model", orchestrator.DefaultModelBase, "Model to use")
	chatCmd.Flags().BoolVar(&chatStreaming, "stream", true, "Use streaming responses")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show token usage")
}

func runChat(cmd *cobra.Command, args []string) {
	fmt.Printf("Starting session with %s at %s\n", chatModel, manageAPIBaseURL)
	fmt.Println("Type 'exit' or 'quit' to end the session")
	fmt.Println()

	rl, err := readline.New("> ")
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		return
	}
	defer func() { _ = rl.Close() }()

	chatClient := client.NewChatClient(manageAPIBaseURL, chatAPIKey)
	var messages []api.ChatMessage

	for {
		input, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(input) == 0 {
				fmt.Println("Ending session")
				break
			}
			continue
		} else if err == io.EOF {
			fmt.Println("Ending session")
			break
		} else if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input = strings.TrimSpace(input)
		if input == "exit" || input == "quit" {
			fmt.Println("Ending session")
			break
		}
		if input == "" {
			continue
		}

		messages = append(messages, client.TextMessage("user", input))

		resp, err := chatClient.Send(cmd.Context(), messages, client.Options{
			Model:  chatModel,
			Stream: chatStreaming,
			OnDelta: func(content string) {
				fmt.Print(content)
			},
		})
		if err != nil {
			// Drop the failed turn so history stays consistent.
			messages = messages[:len(messages)-1]
			fmt.Printf("Error: %v\n", err)
			continue
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			messages = messages[:len(messages)-1]
			fmt.Println("No response from server")
			continue
		}

		content := resp.Choices[0].Message.Content
		if chatStreaming {
			fmt.Println()
		} else {
			fmt.Println(content)
		}
		messages = append(messages, client.TextMessage("assistant", content))

		if chatVerbose && resp.Usage != nil {
			fmt.Printf("\033[90m[tokens: %d prompt, %d completion, %d total]\033[0m\n",
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
		}
	}
}
