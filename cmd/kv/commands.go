package kv

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			if err := handle.Set(key, []byte(value), viper.GetBool("async")); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := handle.Get(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := handle.Delete(key, viper.GetBool("async")); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Writes and syncs all buffered records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := handle.Flush(); err != nil {
				return err
			}
			fmt.Println("flush successfully")
			return nil
		},
	}
)
