package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"vault-watcher/internal/app"
)

var (
	simulateAccount string
	simulateValues  []string
	simulateStep    time.Duration
	simulateNotify  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用合成数值模拟一次异常并可选触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAccount == "" {
			return errors.New("--account 不能为空")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Account: simulateAccount,
			Values:  simulateValues,
			Step:    simulateStep,
			Notify:  simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAccount, "account", "", "账户 id、名称或地址")
	simulateCmd.Flags().StringSliceVar(&simulateValues, "value", nil, "按顺序喂入的余额（vault）或指纹（program），可重复")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 0, "相邻样本的时间间隔（默认 refresh_period）")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "实际发送告警到已配置的通道")
}
